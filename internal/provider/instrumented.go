package provider

import (
	"context"

	"github.com/italolelis/downloadhub/internal/telemetry"
)

// InstrumentedProvider wraps Provider with telemetry.
type InstrumentedProvider struct {
	provider  Provider
	telemetry *telemetry.Telemetry
	name      string
}

var _ Provider = (*InstrumentedProvider)(nil)

// NewInstrumentedProvider creates a new instrumented provider.
func NewInstrumentedProvider(p Provider, tel *telemetry.Telemetry, name string) *InstrumentedProvider {
	return &InstrumentedProvider{
		provider:  p,
		telemetry: tel,
		name:      name,
	}
}

// Unwrap returns the wrapped provider.
func (p *InstrumentedProvider) Unwrap() Provider {
	return p.provider
}

// Init initializes the provider with telemetry.
func (p *InstrumentedProvider) Init(ctx context.Context, sink EventSink) error {
	return p.telemetry.InstrumentProviderOperation(ctx, p.name, "init", func(ctx context.Context) error {
		return p.provider.Init(ctx, sink)
	})
}

// Downloads lists downloads with telemetry.
func (p *InstrumentedProvider) Downloads(ctx context.Context) ([]Download, error) {
	var result []Download

	err := p.telemetry.InstrumentProviderOperation(ctx, p.name, "list_downloads", func(ctx context.Context) error {
		var err error

		result, err = p.provider.Downloads(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Stats returns provider stats with telemetry.
func (p *InstrumentedProvider) Stats(ctx context.Context) (Stats, error) {
	var result Stats

	err := p.telemetry.InstrumentProviderOperation(ctx, p.name, "stats", func(ctx context.Context) error {
		var err error

		result, err = p.provider.Stats(ctx)

		return err
	})
	if err != nil {
		return Stats{}, err
	}

	return result, nil
}

func (p *InstrumentedProvider) CanDownload(uri string) bool {
	return p.provider.CanDownload(uri)
}

// AddDownload adds a download with telemetry.
func (p *InstrumentedProvider) AddDownload(ctx context.Context, uri string) (Download, error) {
	var result Download

	err := p.telemetry.InstrumentProviderOperation(ctx, p.name, "add_download", func(ctx context.Context) error {
		var err error

		result, err = p.provider.AddDownload(ctx, uri)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (p *InstrumentedProvider) GetDownload(ctx context.Context, id string) (Download, error) {
	return p.provider.GetDownload(ctx, id)
}

// Close closes the provider with telemetry.
func (p *InstrumentedProvider) Close() error {
	return p.telemetry.InstrumentProviderOperation(context.Background(), p.name, "close", func(context.Context) error {
		return p.provider.Close()
	})
}
