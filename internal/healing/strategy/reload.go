package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/guardian/internal/core/domain"
)

// Reloader reloads one area of configuration.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(ctx context.Context) error

func (f ReloaderFunc) Reload(ctx context.Context) error { return f(ctx) }

// NamedReloader pairs a reloader with the area it covers.
type NamedReloader struct {
	Name     string
	Reloader Reloader
}

// ConfigurationReload runs every reloader independently and succeeds if
// any of them did.
type ConfigurationReload struct {
	*base
	reloaders []NamedReloader
	log       *slog.Logger
}

func NewConfigurationReload(settings Settings, reloaders ...NamedReloader) *ConfigurationReload {
	return &ConfigurationReload{
		base:      newBase(KindConfigurationReload, settings, nil),
		reloaders: reloaders,
		log:       slog.Default(),
	}
}

func (s *ConfigurationReload) Apply(ctx context.Context, _ domain.ProblemReport, svc domain.ServiceInfo) (string, error) {
	if len(s.reloaders) == 0 {
		return "", errors.New("no reloaders configured")
	}

	var ok []string
	var errs []error
	for _, r := range s.reloaders {
		if err := r.Reloader.Reload(ctx); err != nil {
			s.log.Warn("Reload failed", "service", svc.Name, "area", r.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
			continue
		}
		ok = append(ok, r.Name)
	}

	if len(ok) == 0 {
		return "", fmt.Errorf("failed to reload configuration: %w", errors.Join(errs...))
	}
	msg := "reloaded " + strings.Join(ok, ", ")
	if len(errs) > 0 {
		msg += fmt.Sprintf(" (%d failed)", len(errs))
	}
	return msg, nil
}
