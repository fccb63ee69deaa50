package transfer

// Status is the connection status reported to observers.
type Status uint8

const (
	StatusConnecting Status = iota + 1
	StatusConnected
	// StatusSecured means session key material has been exchanged.
	StatusSecured
	StatusClosed
	// StatusClosedAfterTransfer means the channel failed after at least one
	// file completed.
	StatusClosedAfterTransfer
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSecured:
		return "secured"
	case StatusClosed:
		return "closed"
	case StatusClosedAfterTransfer:
		return "closed after transfer"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role distinguishes the two ends of a transfer session.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// StatusUpdate describes one connection status change.
type StatusUpdate struct {
	SessionID   string
	Role        Role
	PeerID      string
	Status      Status
	Fingerprint string
	Err         error
}

// Observer receives transfer events. Sender sessions may invoke it from more
// than one goroutine; implementations must be safe for concurrent use.
type Observer interface {
	ConnectionStatusChanged(update StatusUpdate)
	FileStarted(name string, size int64)
	Progress(name string, percent int)
	// FileComplete reports a finished file. artifact is nil on the sender.
	FileComplete(name string, artifact *Artifact)
	Error(err error)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) ConnectionStatusChanged(StatusUpdate) {}
func (NopObserver) FileStarted(string, int64)            {}
func (NopObserver) Progress(string, int)                 {}
func (NopObserver) FileComplete(string, *Artifact)       {}
func (NopObserver) Error(error)                          {}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	OnStatus       func(StatusUpdate)
	OnFileStarted  func(name string, size int64)
	OnProgress     func(name string, percent int)
	OnFileComplete func(name string, artifact *Artifact)
	OnError        func(err error)
}

func (f ObserverFuncs) ConnectionStatusChanged(update StatusUpdate) {
	if f.OnStatus != nil {
		f.OnStatus(update)
	}
}

func (f ObserverFuncs) FileStarted(name string, size int64) {
	if f.OnFileStarted != nil {
		f.OnFileStarted(name, size)
	}
}

func (f ObserverFuncs) Progress(name string, percent int) {
	if f.OnProgress != nil {
		f.OnProgress(name, percent)
	}
}

func (f ObserverFuncs) FileComplete(name string, artifact *Artifact) {
	if f.OnFileComplete != nil {
		f.OnFileComplete(name, artifact)
	}
}

func (f ObserverFuncs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// MultiObserver fans events out to every observer in order.
type MultiObserver []Observer

func (m MultiObserver) ConnectionStatusChanged(update StatusUpdate) {
	for _, o := range m {
		o.ConnectionStatusChanged(update)
	}
}

func (m MultiObserver) FileStarted(name string, size int64) {
	for _, o := range m {
		o.FileStarted(name, size)
	}
}

func (m MultiObserver) Progress(name string, percent int) {
	for _, o := range m {
		o.Progress(name, percent)
	}
}

func (m MultiObserver) FileComplete(name string, artifact *Artifact) {
	for _, o := range m {
		o.FileComplete(name, artifact)
	}
}

func (m MultiObserver) Error(err error) {
	for _, o := range m {
		o.Error(err)
	}
}
