package updater

// Host is the embedding process collaborator: it owns the main view and
// navigates it to a bundle's entry file on reload. Window focus changes are
// fed back through OnWindowFocus and OnWindowBlur.
type Host interface {
	// Load navigates the main view to the given entry file path.
	Load(path string) error
}

// HostFunc adapts a function to the Host interface.
type HostFunc func(path string) error

// Load implements Host.
func (f HostFunc) Load(path string) error { return f(path) }
