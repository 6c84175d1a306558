package ussd

import "net/http"

// InterpreterSettings configures one interpreter instance.
type InterpreterSettings struct {
	Account              string
	APIVersion           string
	URL                  string
	Method               string
	FallbackURL          string
	FallbackMethod       string
	StatusCallback       string
	StatusCallbackMethod string
	EmailAddress         string
}

// InterpreterSpawner starts interpreter workers.
type InterpreterSpawner interface {
	SpawnInterpreter(settings InterpreterSettings) Handle
}

// InterpreterLauncher normalizes interpreter settings and starts an
// interpreter. It performs no network I/O.
type InterpreterLauncher struct {
	spawner InterpreterSpawner
}

// NewInterpreterLauncher creates a launcher over spawner.
func NewInterpreterLauncher(spawner InterpreterSpawner) *InterpreterLauncher {
	return &InterpreterLauncher{spawner: spawner}
}

// Launch starts an interpreter. An empty method becomes POST and the
// fallback is only attached when a fallback URL is present.
func (l *InterpreterLauncher) Launch(settings InterpreterSettings) Handle {
	return l.spawner.SpawnInterpreter(normalizeSettings(settings))
}

func normalizeSettings(s InterpreterSettings) InterpreterSettings {
	if s.Method == "" {
		s.Method = http.MethodPost
	}
	if s.FallbackURL == "" {
		s.FallbackMethod = ""
	} else if s.FallbackMethod == "" {
		s.FallbackMethod = http.MethodPost
	}
	if s.StatusCallback == "" {
		s.StatusCallbackMethod = ""
	} else if s.StatusCallbackMethod == "" {
		s.StatusCallbackMethod = http.MethodPost
	}
	return s
}
