package shikake

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	store       string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	classifier  Classifier
	prompts     map[string]string
	actions     map[string]ActionFunc
	listeners   []StatusListener
}

// WithPort overrides the TCP port from config (SHIKAKE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN/NOTIFY requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLite selects the embedded SQLite store at path instead of Postgres.
func WithSQLite(path string) Option {
	return func(o *resolvedOptions) {
		o.store = "sqlite"
		o.sqlitePath = path
	}
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithClassifier replaces the auto-detected classifier used by semantic
// conditions.
func WithClassifier(c Classifier) Option {
	return func(o *resolvedOptions) { o.classifier = c }
}

// WithPrompts adds or overrides named classification prompts. Semantic
// conditions reference them by key in their prompt field.
func WithPrompts(prompts map[string]string) Option {
	return func(o *resolvedOptions) {
		if o.prompts == nil {
			o.prompts = make(map[string]string, len(prompts))
		}
		for k, v := range prompts {
			o.prompts[k] = v
		}
	}
}

// WithAction registers an action executor under actionType. Registering a
// built-in type (http.request, records.filter, wait, noop) replaces it.
func WithAction(actionType string, fn ActionFunc) Option {
	return func(o *resolvedOptions) {
		if o.actions == nil {
			o.actions = make(map[string]ActionFunc)
		}
		o.actions[actionType] = fn
	}
}

// WithStatusListener registers a listener for run status changes.
// Multiple listeners may be registered; each receives every change.
func WithStatusListener(l StatusListener) Option {
	return func(o *resolvedOptions) { o.listeners = append(o.listeners, l) }
}
