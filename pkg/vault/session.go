package vault

// State is the lifecycle state of a Session.
type State int

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Session guards access to a store that is opened at most once, as the
// interactive shell does with its init command.
type Session struct {
	opts  []Option
	store *Store
}

// NewSession returns an uninitialized session. opts are passed to Open.
func NewSession(opts ...Option) *Session {
	return &Session{opts: opts}
}

// Initialize opens the store at path. On failure the session stays
// uninitialized and may be initialized again.
func (s *Session) Initialize(path, passphrase string) error {
	if s.store != nil {
		return ErrAlreadyInitialized
	}
	store, err := Open(path, passphrase, s.opts...)
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

// State reports whether the session holds an open store.
func (s *Session) State() State {
	if s.store == nil {
		return StateUninitialized
	}
	return StateReady
}

// Store returns the open store, or ErrUninitialized.
func (s *Session) Store() (*Store, error) {
	if s.store == nil {
		return nil, ErrUninitialized
	}
	return s.store, nil
}

// Close closes the store if one is open. The session stays Ready; a
// closed store rejects mutations with ErrClosed.
func (s *Session) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
