package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ah2048/electron-updater/internal/config"
	"github.com/ah2048/electron-updater/pkg/api"
	"github.com/ah2048/electron-updater/pkg/channel"
	"github.com/ah2048/electron-updater/pkg/crypto"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/store"
	"github.com/spf13/cobra"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage the device's update channel",
}

var channelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the assigned channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChannelClient(func(ctx context.Context, c *channel.Client) error {
			resp, err := c.GetChannel(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("channel: %s (status: %s)\n", resp.Channel, resp.Status)
			return nil
		})
	},
}

var channelSetCmd = &cobra.Command{
	Use:   "set <channel>",
	Short: "Assign the device to a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChannelClient(func(ctx context.Context, c *channel.Client) error {
			resp, err := c.SetChannel(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("status: %s", resp.Status)
			if resp.Error != "" {
				fmt.Printf(" error: %s", resp.Error)
			}
			fmt.Println()
			return nil
		})
	},
}

var channelUnsetCmd = &cobra.Command{
	Use:   "unset",
	Short: "Revert the device to the default channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChannelClient(func(ctx context.Context, c *channel.Client) error {
			_, err := c.UnsetChannel(ctx)
			if err != nil {
				return err
			}
			fmt.Println("channel cleared")
			return nil
		})
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels this device may select",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChannelClient(func(ctx context.Context, c *channel.Client) error {
			resp, err := c.ListChannels(ctx)
			if err != nil {
				return err
			}
			if len(resp.Channels) == 0 {
				fmt.Println("No channels")
				return nil
			}
			fmt.Printf("%-38s %-20s %-8s %-8s\n", "ID", "NAME", "PUBLIC", "SELF-SET")
			for _, ch := range resp.Channels {
				fmt.Printf("%-38s %-20s %-8t %-8t\n", ch.ID, ch.Name, ch.Public, ch.AllowSelfSet)
			}
			return nil
		})
	},
}

func init() {
	channelCmd.AddCommand(channelGetCmd, channelSetCmd, channelUnsetCmd, channelListCmd)
	rootCmd.AddCommand(channelCmd)
}

func withChannelClient(fn func(context.Context, *channel.Client) error) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	st := store.Open(filepath.Join(cfg.UserDataDir, store.StorageFileName))
	httpClient := api.NewClient(time.Duration(cfg.ResponseTimeout)*time.Second,
		cfg.PluginVersion, cfg.AppID, cfg.VersionOS)

	info := func() (api.DeviceInfo, error) {
		deviceID, err := st.DeviceID()
		if err != nil {
			return api.DeviceInfo{}, err
		}
		return api.DeviceInfo{
			Platform:       api.PlatformTag,
			DeviceID:       deviceID,
			AppID:          cfg.AppID,
			CustomID:       st.CustomID(),
			VersionBuild:   cfg.VersionBuild,
			VersionCode:    cfg.VersionCode,
			VersionOS:      cfg.VersionOS,
			VersionName:    cfg.VersionName,
			PluginVersion:  cfg.PluginVersion,
			IsProd:         cfg.IsProd,
			DefaultChannel: cfg.DefaultChannel,
			KeyID:          crypto.DeriveKeyID(cfg.PublicKey),
		}, nil
	}

	client := channel.NewClient(httpClient, st, func() string { return cfg.ChannelURL },
		cfg.DefaultChannel, info)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Duration(cfg.ResponseTimeout)*time.Second)
	defer cancel()
	return fn(ctx, client)
}
