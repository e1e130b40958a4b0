package fieldsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildActionQueueFromDSN selects a queue backend by DSN scheme:
// file://path (or a bare path), sqlite://path, postgres://..., memory://.
func BuildActionQueueFromDSN(dsn string, capacity int) (ActionQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupActionQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileActionQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryActionQueue(capacity), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteActionQueue(path, capacity)
	case "postgres", "postgresql":
		return NewPostgresActionQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: action queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported action queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	// url.Parse treats the first segment of a relative path DSN such as
	// sqlite://.fieldsync/actions.db as the host, so rejoin host and path.
	path := strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
