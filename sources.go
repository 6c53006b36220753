package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/conduit/source"
	"github.com/xraph/conduit/source/sqlpoll"
	"github.com/xraph/conduit/source/stream"
)

// sqlOptions is the polling-sql shape of source.Config.Options.
type sqlOptions struct {
	ConnString string `json:"connString"`
	Table      string `json:"table"`
	Columns    struct {
		ID        string `json:"id"`
		EventType string `json:"eventType"`
		EntityRID string `json:"entityRid"`
		Payload   string `json:"payload"`
	} `json:"columns"`
	PollIntervalMs int    `json:"pollIntervalMs"`
	BatchSize      int    `json:"batchSize"`
	DBTimeoutMs    int    `json:"dbTimeoutMs"`
	Connections    int    `json:"connections"`
	DefaultType    string `json:"defaultType"`
}

// streamOptions is the stream shape of source.Config.Options.
type streamOptions struct {
	URL       string `json:"url"`
	Stream    string `json:"stream"`
	Subject   string `json:"subject"`
	BatchSize int    `json:"batchSize"`
	AckWaitMs int    `json:"ackWaitMs"`
}

// pushOptions is the http-push shape of source.Config.Options.
type pushOptions struct {
	Secret string `json:"secret"`
	Schema any    `json:"schema"`
}

// decodeOptions converts the untyped options map into the adapter's typed
// configuration via a JSON round trip.
func decodeOptions(options map[string]any, out any) error {
	raw, err := json.Marshal(options)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// buildAdapter constructs the background adapter for one tenant source.
func (g *Gateway) buildAdapter(sc *source.Config) (source.Adapter, error) {
	switch sc.Type {
	case source.TypePollingSQL:
		var opts sqlOptions
		if err := decodeOptions(sc.Options, &opts); err != nil {
			return nil, fmt.Errorf("conduit: decode polling-sql options: %w", err)
		}
		return sqlpoll.New(sqlpoll.Config{
			OrgID:      sc.OrgID,
			ConnString: opts.ConnString,
			Table:      opts.Table,
			Columns: sqlpoll.ColumnMapping{
				ID:        opts.Columns.ID,
				EventType: opts.Columns.EventType,
				EntityRID: opts.Columns.EntityRID,
				Payload:   opts.Columns.Payload,
			},
			PollInterval: time.Duration(opts.PollIntervalMs) * time.Millisecond,
			BatchSize:    opts.BatchSize,
			DBTimeout:    time.Duration(opts.DBTimeoutMs) * time.Millisecond,
			Connections:  opts.Connections,
			DefaultType:  opts.DefaultType,
		}, g.queue, g.store, g.alerter, g.metrics, g.logger)
	case source.TypeStream:
		var opts streamOptions
		if err := decodeOptions(sc.Options, &opts); err != nil {
			return nil, fmt.Errorf("conduit: decode stream options: %w", err)
		}
		return stream.New(stream.Config{
			OrgID:     sc.OrgID,
			URL:       opts.URL,
			Stream:    opts.Stream,
			Subject:   opts.Subject,
			BatchSize: opts.BatchSize,
			AckWait:   time.Duration(opts.AckWaitMs) * time.Millisecond,
		}, g.queue, g.alerter, g.metrics, g.logger)
	default:
		return nil, fmt.Errorf("conduit: unknown source type %q", sc.Type)
	}
}

// sourceAuth resolves http-push credentials from the tenant's source
// configuration.
type sourceAuth struct {
	configs source.ConfigStore
}

func (a *sourceAuth) pushConfig(ctx context.Context, orgID int32) (*pushOptions, bool, error) {
	sc, err := a.configs.GetSourceConfig(ctx, orgID)
	if errors.Is(err, ErrSourceConfigNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if sc.Type != source.TypeHTTPPush || !sc.IsActive {
		return nil, false, nil
	}
	var opts pushOptions
	if err := decodeOptions(sc.Options, &opts); err != nil {
		return nil, false, err
	}
	return &opts, true, nil
}

// PushSecret implements httppush.OrgAuth.
func (a *sourceAuth) PushSecret(ctx context.Context, orgID int32) (string, bool, error) {
	opts, ok, err := a.pushConfig(ctx, orgID)
	if err != nil || !ok {
		return "", false, err
	}
	return opts.Secret, opts.Secret != "", nil
}

// PayloadSchema implements httppush.OrgAuth.
func (a *sourceAuth) PayloadSchema(ctx context.Context, orgID int32) (any, error) {
	opts, ok, err := a.pushConfig(ctx, orgID)
	if err != nil || !ok {
		return nil, err
	}
	return opts.Schema, nil
}
