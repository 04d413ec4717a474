// Package mysql captures row changes from a MySQL binlog stream.
//
// The checkpoint partition is the configured server name. A position is
// "file:pos:skip": pos is the start of the last TableMap event and skip the
// number of records already emitted after it. Resuming restarts the stream
// at pos and discards skip records, which keeps positions exact even inside
// multi-row events.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	sqldriver "github.com/go-sql-driver/mysql"
	"github.com/juju/clock"

	"cdcflow/internal/logging"
	"cdcflow/internal/record"
	"cdcflow/source"
)

const connectorName = "mysql"

// Token is a parsed position.
type Token struct {
	File string
	Pos  uint32
	Skip int
}

func (t Token) String() string {
	return t.File + ":" + strconv.FormatUint(uint64(t.Pos), 10) + ":" + strconv.Itoa(t.Skip)
}

// ParseToken reverses Token.String. File names may contain colons.
func ParseToken(s string) (Token, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Token{}, fmt.Errorf("mysql: bad position %q", s)
	}
	j := strings.LastIndexByte(s[:i], ':')
	if j <= 0 {
		return Token{}, fmt.Errorf("mysql: bad position %q", s)
	}
	pos, err := strconv.ParseUint(s[j+1:i], 10, 32)
	if err != nil {
		return Token{}, fmt.Errorf("mysql: bad position %q: %w", s, err)
	}
	skip, err := strconv.Atoi(s[i+1:])
	if err != nil || skip < 0 {
		return Token{}, fmt.Errorf("mysql: bad skip in position %q", s)
	}
	return Token{File: s[:j], Pos: uint32(pos), Skip: skip}, nil
}

type streamer interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

type Reader struct {
	cfg    Config
	clock  clock.Clock
	tables map[string]bool

	db       *sql.DB
	syncer   *replication.BinlogSyncer
	stream   streamer
	lookup   lookupFunc
	schemas map[string]tableInfo

	file    string
	tmPos   uint32 // first TableMap of the current statement
	inMap   bool   // previous event was a TableMap
	emitted int
	resume  Token
	queue   []*record.ChangeRecord
}

func (r *Reader) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("mysql: expected Config, got %T", raw)
	}
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	r.cfg = cfg
	r.init()
	return nil
}

func (r *Reader) init() {
	if r.clock == nil {
		r.clock = clock.WallClock
	}
	r.tables = make(map[string]bool, len(r.cfg.Tables))
	for _, t := range r.cfg.Tables {
		r.tables[t] = true
	}
	r.schemas = make(map[string]tableInfo)
}

func (r *Reader) Partitions() []string { return []string{r.cfg.ServerName} }

func (r *Reader) dsn() string {
	c := sqldriver.NewConfig()
	c.User, c.Passwd = r.cfg.User, r.cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	return c.FormatDSN()
}

func (r *Reader) Open(ctx context.Context, from record.Offset) error {
	db, err := sql.Open("mysql", r.dsn())
	if err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	db.SetMaxOpenConns(1)
	r.db = db
	r.lookup = queryTableInfo(db)

	start := gomysql.Position{Name: r.cfg.File, Pos: r.cfg.Pos}
	if pos, ok := from[r.cfg.ServerName]; ok {
		tok, err := ParseToken(pos)
		if err != nil {
			return err
		}
		r.resume = tok
		start = gomysql.Position{Name: tok.File, Pos: tok.Pos}
	} else if start.Name == "" {
		if start, err = masterPosition(ctx, db); err != nil {
			return fmt.Errorf("mysql: master position: %w", err)
		}
	}

	r.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: r.cfg.ServerID,
		Flavor:   r.cfg.Flavor,
		Host:     r.cfg.Host,
		Port:     r.cfg.Port,
		User:     r.cfg.User,
		Password: r.cfg.Password,
	})
	st, err := r.syncer.StartSync(start)
	if err != nil {
		return fmt.Errorf("mysql: start sync at %s: %w", start, err)
	}
	r.stream = st
	r.file = start.Name
	logging.L().Info("mysql: binlog sync started", "server", r.cfg.ServerName, "file", start.Name, "pos", start.Pos, "skip", r.resume.Skip)
	return nil
}

func (r *Reader) Next(ctx context.Context) (*record.ChangeRecord, error) {
	for len(r.queue) == 0 {
		ev, err := r.stream.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("mysql: read binlog: %w", err)
		}
		if err := r.handle(ctx, ev); err != nil {
			return nil, err
		}
	}
	rec := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return rec, nil
}

// handle turns one binlog event into queued records.
func (r *Reader) handle(ctx context.Context, ev *replication.BinlogEvent) error {
	prevMap := r.inMap
	_, r.inMap = ev.Event.(*replication.TableMapEvent)

	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		r.file = string(e.NextLogName)
	case *replication.TableMapEvent:
		// A multi-table statement maps every table before its rows; resuming
		// from a later map would leave the earlier table ids unknown.
		if prevMap {
			return nil
		}
		r.tmPos = ev.Header.LogPos - ev.Header.EventSize
		r.emitted = 0
		if r.resume.Skip > 0 && (r.file != r.resume.File || r.tmPos != r.resume.Pos) {
			r.resume.Skip = 0
		}
	case *replication.RowsEvent:
		op, ok := rowsOp(ev.Header.EventType)
		if !ok || e.Table == nil {
			return nil
		}
		db, table := string(e.Table.Schema), string(e.Table.Table)
		if len(r.tables) > 0 && !r.tables[db+"."+table] {
			return nil
		}
		info, err := r.tableInfo(ctx, e.Table)
		if err != nil {
			return fmt.Errorf("mysql: %w", err)
		}
		src := record.Row{
			"connector": connectorName,
			"name":      r.cfg.ServerName,
			"server_id": ev.Header.ServerID,
			"db":        db,
			"table":     table,
			"file":      r.file,
			"pos":       r.tmPos,
			"ts_ms":     int64(ev.Header.Timestamp) * 1000,
		}
		for _, rec := range convertRows(info, op, e.Rows, src, r.clock.Now().UnixMilli(), r.cfg.TombstonesOnDelete) {
			r.emitted++
			if r.resume.Skip > 0 && r.emitted <= r.resume.Skip {
				continue
			}
			rec.Partition = r.cfg.ServerName
			rec.Position = Token{File: r.file, Pos: r.tmPos, Skip: r.emitted}.String()
			r.queue = append(r.queue, rec)
		}
		if r.resume.Skip > 0 && r.emitted >= r.resume.Skip {
			r.resume.Skip = 0
		}
	}
	return nil
}

func (r *Reader) tableInfo(ctx context.Context, tme *replication.TableMapEvent) (tableInfo, error) {
	if info, ok := fromTableMap(tme); ok {
		return info, nil
	}
	key := string(tme.Schema) + "." + string(tme.Table)
	if info, ok := r.schemas[key]; ok {
		return info, nil
	}
	if r.lookup == nil {
		return tableInfo{}, fmt.Errorf("no column metadata for %s", key)
	}
	info, err := r.lookup(ctx, string(tme.Schema), string(tme.Table))
	if err != nil {
		return tableInfo{}, err
	}
	r.schemas[key] = info
	return info, nil
}

func rowsOp(t replication.EventType) (record.Operation, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return record.OpCreate, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return record.OpUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return record.OpDelete, true
	}
	return "", false
}

// convertRows builds change records for one rows event. Update events
// carry before/after image pairs.
func convertRows(info tableInfo, op record.Operation, rows [][]any, src record.Row, tsMs int64, tombstones bool) []*record.ChangeRecord {
	toRow := func(vals []any) record.Row {
		out := make(record.Row, len(vals))
		for i, v := range vals {
			out[info.name(i)] = info.value(i, v)
		}
		return out
	}
	keyOf := func(vals []any) record.Row {
		if len(info.pk) == 0 {
			return nil
		}
		out := make(record.Row, len(info.pk))
		for _, i := range info.pk {
			if i < len(vals) {
				out[info.name(i)] = info.value(i, vals[i])
			}
		}
		return out
	}

	var out []*record.ChangeRecord
	emit := func(key, before, after record.Row) {
		out = append(out, &record.ChangeRecord{
			Key:   key,
			Value: &record.Envelope{Before: before, After: after, Op: op, Source: src.Clone(), TsMs: tsMs},
		})
	}
	switch op {
	case record.OpUpdate:
		for i := 0; i+1 < len(rows); i += 2 {
			emit(keyOf(rows[i+1]), toRow(rows[i]), toRow(rows[i+1]))
		}
	case record.OpDelete:
		for _, vals := range rows {
			key := keyOf(vals)
			emit(key, toRow(vals), nil)
			if tombstones {
				out = append(out, &record.ChangeRecord{Key: key.Clone()})
			}
		}
	default:
		for _, vals := range rows {
			emit(keyOf(vals), nil, toRow(vals))
		}
	}
	return out
}

func (r *Reader) Close() error {
	if r.syncer != nil {
		r.syncer.Close()
		r.syncer = nil
	}
	var err error
	if r.db != nil {
		err = r.db.Close()
		r.db = nil
	}
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

func init() {
	source.Register(connectorName,
		func() source.Adapter { return &Reader{} },
		func(path string) (any, error) { return LoadConfig(path) },
	)
}
