package bundle

import "path/filepath"

// BundlesDirName is the directory under the user-data dir that holds all
// downloaded bundles. The updater assumes sole control over it.
const BundlesDirName = "capgo-bundles"

// IndexFileName is the required entry file of every extracted bundle.
const IndexFileName = "index.html"

// Root returns the bundles root for a user-data dir.
func Root(userDataDir string) string {
	return filepath.Join(userDataDir, BundlesDirName)
}

// Dir returns a bundle's directory.
func Dir(root, id string) string {
	return filepath.Join(root, id)
}

// WWWDir returns a bundle's extracted asset directory.
func WWWDir(root, id string) string {
	return filepath.Join(root, id, "www")
}

// IndexPath returns a bundle's entry file path.
func IndexPath(root, id string) string {
	return filepath.Join(WWWDir(root, id), IndexFileName)
}

// ZipPath returns the transient archive path inside a bundle directory.
func ZipPath(root, id string) string {
	return filepath.Join(root, id, "bundle.zip")
}
