package job

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/transform"
)

const maxFetchRecords = 10_000

// Fetcher executes a job's data-source fetch. Each fetch runs under the
// hard FetchBudget deadline.
type Fetcher struct {
	// internal is the state-store client, used when a DOCUMENT source
	// leaves ConnectionURL empty. May be nil.
	internal *mongo.Client

	// internalDB is the default database for internal DOCUMENT fetches.
	internalDB string

	client *http.Client
}

// NewFetcher creates a data-source fetcher. internal may be nil when no
// internal DOCUMENT sources are configured.
func NewFetcher(internal *mongo.Client, internalDB string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: FetchBudget}
	}
	return &Fetcher{internal: internal, internalDB: internalDB, client: client}
}

// Fetch runs the configured data source and returns the record set.
// Template variables in queries, URLs, and headers are substituted first.
func (f *Fetcher) Fetch(ctx context.Context, ds DataSource, vars *transform.Vars) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchBudget)
	defer cancel()

	switch ds.Kind {
	case SourceSQL:
		return f.fetchSQL(ctx, ds, vars)
	case SourceDocument:
		return f.fetchDocument(ctx, ds, vars)
	case SourceHTTP:
		return f.fetchHTTP(ctx, ds, vars)
	default:
		return nil, fault.New(fault.CategoryValidation, "bad_datasource",
			"unknown data source kind %q", ds.Kind)
	}
}

func (f *Fetcher) fetchSQL(ctx context.Context, ds DataSource, vars *transform.Vars) ([]map[string]any, error) {
	if ds.ConnectionURL == "" || ds.Query == "" {
		return nil, fault.New(fault.CategoryValidation, "bad_sql_source",
			"sql data source requires connectionUrl and query")
	}

	query := vars.Substitute(ds.Query)
	if !isReadOnlySQL(query) {
		return nil, fault.New(fault.CategoryValidation, "sql_not_readonly",
			"sql data source queries must be read-only")
	}

	conn, err := pgx.Connect(ctx, ds.ConnectionURL)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryNetwork, "sql_connect", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryInternal, "sql_query", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryInternal, "sql_scan", err)
	}
	if len(records) > maxFetchRecords {
		records = records[:maxFetchRecords]
	}
	return records, nil
}

func (f *Fetcher) fetchDocument(ctx context.Context, ds DataSource, vars *transform.Vars) ([]map[string]any, error) {
	if ds.Collection == "" {
		return nil, fault.New(fault.CategoryValidation, "bad_document_source",
			"document data source requires a collection")
	}

	client := f.internal
	db := f.internalDB
	if ds.ConnectionURL != "" {
		external, err := mongo.Connect(options.Client().
			ApplyURI(ds.ConnectionURL).
			SetTimeout(FetchBudget))
		if err != nil {
			return nil, fault.Wrap(fault.CategoryNetwork, "document_connect", err)
		}
		defer external.Disconnect(context.WithoutCancel(ctx)) //nolint:errcheck
		client = external
	}
	if client == nil {
		return nil, fault.New(fault.CategoryValidation, "bad_document_source",
			"no internal document store connection configured")
	}
	if ds.Database != "" {
		db = ds.Database
	}

	pipeline := make(mongo.Pipeline, 0, len(ds.Pipeline))
	for _, stage := range ds.Pipeline {
		doc := bson.D{}
		for k, v := range stage {
			doc = append(doc, bson.E{Key: k, Value: substituteAny(v, vars)})
		}
		pipeline = append(pipeline, doc)
	}

	cursor, err := client.Database(db).Collection(ds.Collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryInternal, "document_aggregate", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck

	var records []map[string]any
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fault.Wrap(fault.CategoryInternal, "document_decode", err)
	}
	if len(records) > maxFetchRecords {
		records = records[:maxFetchRecords]
	}
	return records, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, ds DataSource, vars *transform.Vars) ([]map[string]any, error) {
	if ds.URL == "" {
		return nil, fault.New(fault.CategoryValidation, "bad_http_source",
			"http data source requires a url")
	}

	method := ds.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, vars.Substitute(ds.URL), nil)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryValidation, "bad_http_request", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range ds.Headers {
		req.Header.Set(k, vars.Substitute(v))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.CategoryTimeout, "http_fetch_timeout", err)
		}
		return nil, fault.Wrap(fault.CategoryNetwork, "http_fetch", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fault.Wrap(fault.CategoryNetwork, "http_fetch_read", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.New(fault.CategoryServer, "http_fetch_status",
			"data source returned status %d", resp.StatusCode).WithStatus(resp.StatusCode)
	}

	return decodeRecords(body)
}

// decodeRecords accepts either a JSON array of objects or a single object,
// which becomes a one-record set.
func decodeRecords(body []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var records []map[string]any
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fault.Wrap(fault.CategoryValidation, "http_fetch_decode", err)
		}
		return records, nil
	}

	var record map[string]any
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fault.Wrap(fault.CategoryValidation, "http_fetch_decode", err)
	}
	return []map[string]any{record}, nil
}

// isReadOnlySQL rejects statements that are not a plain SELECT or WITH
// query. It is a guard against configuration mistakes, not an SQL parser.
func isReadOnlySQL(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}

// substituteAny walks a decoded pipeline value and substitutes template
// variables in every string it contains.
func substituteAny(v any, vars *transform.Vars) any {
	switch t := v.(type) {
	case string:
		return vars.Substitute(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substituteAny(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substituteAny(val, vars)
		}
		return out
	default:
		return v
	}
}
