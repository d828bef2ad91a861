package dbclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"layersync/internal/domain"
)

// mongoConnector implements Connector for MongoDB. Collections play the
// role of tables; documents are flattened to their top-level fields.
type mongoConnector struct {
	client *mongo.Client
	dbName string
	logger *zap.Logger

	mu         sync.Mutex
	cursor     *mongo.Cursor
	lastAccess time.Time
	fetched    int
}

// mongoQuery is the JSON find document accepted by Execute.
type mongoQuery struct {
	Collection string         `json:"collection"`
	Filter     map[string]any `json:"filter,omitempty"`
	Projection map[string]any `json:"projection,omitempty"`
	Sort       map[string]any `json:"sort,omitempty"`
}

func buildMongoURI(conn *domain.DatabaseConnection, password string) string {
	// A full connection string (Atlas mongodb+srv:// or standard mongodb://) is used as is.
	if strings.HasPrefix(conn.Host, "mongodb+srv://") || strings.HasPrefix(conn.Host, "mongodb://") {
		uri := conn.Host
		if password != "" {
			uri = strings.ReplaceAll(uri, "<password>", password)
			uri = strings.ReplaceAll(uri, "<db_password>", password)
		}
		return uri
	}

	port := conn.Port
	if port == 0 {
		port = 27017
	}
	var uri string
	if conn.Username != "" {
		uri = fmt.Sprintf("mongodb://%s:%s@%s:%d", conn.Username, password, conn.Host, port)
	} else {
		uri = fmt.Sprintf("mongodb://%s:%d", conn.Host, port)
	}
	if len(conn.Options) > 0 {
		uri += "/?" + encodeOptions(conn.Options)
	}
	return uri
}

func newMongoConnector(conn *domain.DatabaseConnection, password string, logger *zap.Logger) (*mongoConnector, error) {
	dbName := conn.Database
	if dbName == "" {
		dbName = "test"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(buildMongoURI(conn, password)))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	logger.Debug("mongo client created", zap.String("connection", conn.Name), zap.String("database", dbName))

	return &mongoConnector{client: client, dbName: dbName, logger: logger}, nil
}

// unmarshalEJSON re-encodes a map[string]any field and uses bson.UnmarshalExtJSON
// to convert MongoDB Extended JSON types ($oid, $date, $numberLong, etc.) to BSON.
func unmarshalEJSON(field map[string]any) (map[string]any, error) {
	if field == nil {
		return nil, nil
	}
	raw, err := json.Marshal(field)
	if err != nil {
		return nil, err
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("extended json: %w", err)
	}
	result := make(map[string]any, len(doc))
	for _, elem := range doc {
		result[elem.Key] = elem.Value
	}
	return result, nil
}

func (m *mongoConnector) Driver() domain.DatabaseDriver { return domain.DatabaseDriverMongoDB }

func (m *mongoConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *mongoConnector) Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCursorLocked(ctx)

	if fetchSize <= 0 {
		fetchSize = 50
	}

	var mq mongoQuery
	if err := json.Unmarshal([]byte(query), &mq); err != nil {
		return nil, fmt.Errorf("invalid query JSON: %w", err)
	}
	if mq.Collection == "" {
		return nil, fmt.Errorf("query must specify 'collection'")
	}
	filter, err := unmarshalEJSON(mq.Filter)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	if filter == nil {
		filter = map[string]any{}
	}

	opts := options.Find().SetBatchSize(int32(fetchSize))
	if mq.Projection != nil {
		opts.SetProjection(mq.Projection)
	}
	if mq.Sort != nil {
		opts.SetSort(mq.Sort)
	}

	cursor, err := m.client.Database(m.dbName).Collection(mq.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}

	m.cursor = cursor
	m.fetched = 0
	m.lastAccess = time.Now()

	return m.fetchMongoBatchLocked(ctx, fetchSize)
}

func (m *mongoConnector) FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cursor == nil {
		return nil, fmt.Errorf("no active cursor, execute a query first")
	}
	if fetchSize <= 0 {
		fetchSize = 50
	}
	m.lastAccess = time.Now()
	return m.fetchMongoBatchLocked(ctx, fetchSize)
}

func (m *mongoConnector) fetchMongoBatchLocked(ctx context.Context, fetchSize int) (*QueryPage, error) {
	var docs []bson.D
	for i := 0; i < fetchSize; i++ {
		if !m.cursor.Next(ctx) {
			break
		}
		var doc bson.D
		if err := m.cursor.Decode(&doc); err != nil {
			m.closeCursorLocked(ctx)
			return nil, fmt.Errorf("decode: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := m.cursor.Err(); err != nil {
		m.closeCursorLocked(ctx)
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	m.fetched += len(docs)

	// Columns in insertion order across the batch, _id first.
	colSet := map[string]bool{}
	var columns []string
	for _, doc := range docs {
		for _, elem := range doc {
			if !colSet[elem.Key] {
				colSet[elem.Key] = true
				columns = append(columns, elem.Key)
			}
		}
	}
	sort.SliceStable(columns, func(i, j int) bool {
		return columns[i] == "_id" && columns[j] != "_id"
	})

	rows := make([][]any, 0, len(docs))
	for _, doc := range docs {
		row := make([]any, len(columns))
		docMap := make(map[string]any, len(doc))
		for _, elem := range doc {
			docMap[elem.Key] = elem.Value
		}
		for j, col := range columns {
			if v, ok := docMap[col]; ok {
				row[j] = bsonValue(v)
			}
		}
		rows = append(rows, row)
	}

	hasMore := len(docs) == fetchSize
	if !hasMore {
		m.closeCursorLocked(ctx)
	}

	return &QueryPage{
		Columns:      columns,
		Rows:         rows,
		TotalFetched: m.fetched,
		HasMore:      hasMore,
	}, nil
}

// bsonValue converts BSON-specific types to plain Go scalars.
func bsonValue(v any) any {
	switch val := v.(type) {
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	case bson.D, bson.A:
		raw, err := bson.MarshalExtJSON(val, false, false)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	default:
		return val
	}
}

// Columns samples one document for field names. MongoDB has no fixed schema,
// so this reflects the first document only.
func (m *mongoConnector) Columns(ctx context.Context, table string) ([]ColumnInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db := m.client.Database(m.dbName)
	names, err := db.ListCollectionNames(ctx, bson.M{"name": table})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}

	var doc bson.D
	err = db.Collection(table).FindOne(ctx, bson.M{}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []ColumnInfo{{Name: "_id", Type: "objectId"}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", table, err)
	}

	cols := make([]ColumnInfo, 0, len(doc))
	for _, elem := range doc {
		cols = append(cols, ColumnInfo{Name: elem.Key, Type: fmt.Sprintf("%T", elem.Value)})
	}
	return cols, nil
}

// InsertRows inserts one document per row with an unordered InsertMany, so a
// rejected document does not stop the rest.
func (m *mongoConnector) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (*InsertResult, error) {
	if len(rows) == 0 {
		return &InsertResult{}, nil
	}
	docs := make([]any, len(rows))
	for i, row := range rows {
		doc := bson.D{}
		for j, col := range columns {
			if j < len(row) {
				doc = append(doc, bson.E{Key: col, Value: row[j]})
			}
		}
		docs[i] = doc
	}

	res, err := m.client.Database(m.dbName).Collection(table).
		InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		out := &InsertResult{Inserted: len(rows) - len(bwe.WriteErrors)}
		for _, we := range bwe.WriteErrors {
			out.Failures = append(out.Failures, RowFailure{Index: we.Index, Code: we.Code, Message: we.Message})
		}
		m.logger.Debug("insert many partially failed",
			zap.String("collection", table),
			zap.Int("rejected", len(out.Failures)))
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert many into %s: %w", table, err)
	}
	return &InsertResult{Inserted: len(res.InsertedIDs)}, nil
}

func (m *mongoConnector) Close() error {
	m.mu.Lock()
	m.closeCursorLocked(context.Background())
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *mongoConnector) closeCursorLocked(ctx context.Context) {
	if m.cursor != nil {
		m.cursor.Close(ctx)
		m.cursor = nil
	}
}
