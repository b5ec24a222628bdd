package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Maksumys/db-changelog/checksum"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/internal/models"
	"github.com/Maksumys/db-changelog/internal/repository"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ToolVersion пишется в колонку LIQUIBASE каждой строки истории.
const ToolVersion = "1.0.0"

const (
	internalAuthor   = "db-changelog"
	internalFilePath = "db-changelog-internal"
)

type Option func(*StandardService)

func WithLogger(logger *zap.Logger) Option {
	return func(s *StandardService) {
		s.logger = logger.Named("history")
	}
}

func WithClock(clk clock.Clock) Option {
	return func(s *StandardService) {
		s.clock = clk
	}
}

// StandardService хранит историю в таблице целевой базы данных.
// Экземпляр принадлежит одному процессу миграции и не защищен от конкурентного доступа:
// таблицу меняет только владелец блокировки.
type StandardService struct {
	db     *database.Database
	logger *zap.Logger
	clock  clock.Clock

	deploymentID string

	tableEnsured  bool
	hasTable      *bool
	ranChangeSets []RanChangeSet
	lastOrder     *int
}

func NewStandardService(db *database.Database, opts ...Option) *StandardService {
	s := &StandardService{
		db:     db,
		logger: zap.NewNop(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(s)
	}

	// последние 10 цифр времени запуска в миллисекундах
	s.deploymentID = fmt.Sprintf("%010d", s.clock.Now().UnixMilli()%1e10)
	return s
}

func (s *StandardService) Init(ctx context.Context) error {
	return s.EnsureHistoryTable(ctx, false, nil, Filter{})
}

func (s *StandardService) EnsureHistoryTable(
	ctx context.Context,
	updateExistingNullCheckSums bool,
	changeLog ChangeLog,
	filter Filter,
) error {
	if !s.tableEnsured {
		if err := s.ensureTable(ctx); err != nil {
			return err
		}
		s.tableEnsured = true
	}

	if updateExistingNullCheckSums && changeLog != nil {
		return s.UpgradeCheckSums(ctx, changeLog, filter)
	}
	return nil
}

// UpgradeCheckSums пересчитывает пустые суммы строк, чьи наборы изменений есть в changeLog
// и проходят filter.
func (s *StandardService) UpgradeCheckSums(ctx context.Context, changeLog ChangeLog, filter Filter) error {
	ranChangeSets, err := s.RanChangeSets(ctx)
	if err != nil {
		return err
	}

	db := s.db.DB.WithContext(ctx)
	updated := 0
	for _, ran := range ranChangeSets {
		if ran.LastCheckSum != nil {
			continue
		}

		cs, ok := changeLog.ChangeSet(ran.Key)
		if !ok || !filter.Matches(cs) {
			continue
		}

		err = repository.UpdateCheckSum(db, s.db.EscapedChangeLogTable(), toRepositoryKey(ran.Key), cs.CheckSum().String())
		if err != nil {
			return historyError("update checksum", err)
		}
		updated++
	}

	if updated > 0 {
		s.logger.Info("Updated null checksums", zap.Int("count", updated))
	}
	s.Reset()
	return nil
}

func (s *StandardService) RunStatus(ctx context.Context, cs ChangeSet) (RunStatus, error) {
	if !s.hasHistoryTable(ctx) {
		return StatusNotRan, nil
	}

	ran, err := s.RanChangeSet(ctx, cs)
	if err != nil {
		return "", err
	}
	if ran == nil {
		return StatusNotRan, nil
	}

	current := cs.CheckSum()
	if ran.LastCheckSum == nil {
		s.logger.Debug("Backfilling null checksum", zap.Stringer("changeSet", cs.Key()))
		err = repository.UpdateCheckSum(
			s.db.DB.WithContext(ctx), s.db.EscapedChangeLogTable(), toRepositoryKey(ran.Key), current.String(),
		)
		if err != nil {
			return "", historyError("backfill checksum", err)
		}
		s.setCachedCheckSum(ran.Key, current)
		return StatusAlreadyRan, nil
	}

	if ran.LastCheckSum.Equal(current) {
		return StatusAlreadyRan, nil
	}
	if cs.ShouldRunOnChange() {
		return StatusRunAgain, nil
	}
	return StatusInvalidMD5Sum, nil
}

func (s *StandardService) MarkExecuted(ctx context.Context, tx *gorm.DB, cs ChangeSet, execType ExecType) error {
	db := s.session(ctx, tx)
	existing, err := s.findRan(db, cs)
	if err != nil {
		return err
	}

	order, err := s.nextOrder(db)
	if err != nil {
		return err
	}

	model := models.ChangeLogModel{
		ChangeSetID:   cs.Key().ID,
		Author:        cs.Key().Author,
		FileName:      cs.Key().FilePath,
		DateExecuted:  s.clock.Now().UTC(),
		OrderExecuted: order,
		ExecType:      string(execType),
		MD5Sum:        nullable(cs.CheckSum().String()),
		Description:   nullable(truncate(cs.Description(), 255)),
		Comments:      nullable(truncate(cs.Comments(), 255)),
		ToolVersion:   nullable(ToolVersion),
		Contexts:      nullable(truncate(strings.Join(cs.Contexts(), ","), 255)),
		Labels:        nullable(truncate(strings.Join(cs.Labels(), ","), 255)),
		DeploymentID:  nullable(s.deploymentID),
	}

	table := s.db.EscapedChangeLogTable()
	if existing != nil {
		_, err = repository.UpdateChangeLogExecuted(db, table, &model)
	} else {
		err = repository.InsertChangeLog(db, table, &model)
	}
	if err != nil {
		return historyError("mark executed", err)
	}

	s.lastOrder = &order
	ran := fromModel(model)
	if existing != nil {
		ran.Tag = existing.Tag
		s.replaceCached(ran)
	} else if s.ranChangeSets != nil {
		s.ranChangeSets = append(s.ranChangeSets, ran)
	}
	return nil
}

func (s *StandardService) RemoveRanStatus(ctx context.Context, tx *gorm.DB, cs ChangeSet) error {
	err := repository.DeleteChangeLog(s.session(ctx, tx), s.db.EscapedChangeLogTable(), toRepositoryKey(cs.Key()))
	if err != nil {
		return historyError("remove ran status", err)
	}

	for i := range s.ranChangeSets {
		if s.ranChangeSets[i].IsSameAs(cs) {
			s.ranChangeSets = append(s.ranChangeSets[:i], s.ranChangeSets[i+1:]...)
			break
		}
	}
	return nil
}

// Tag помечает последний выполненный набор изменений. Если история пуста,
// сначала записывается служебный набор, чтобы тегу было к чему привязаться.
func (s *StandardService) Tag(ctx context.Context, tag string) error {
	ranChangeSets, err := s.RanChangeSets(ctx)
	if err != nil {
		return err
	}

	if len(ranChangeSets) == 0 {
		marker := tagMarker{id: strconv.FormatInt(s.clock.Now().UnixMilli(), 10)}
		if err = s.MarkExecuted(ctx, nil, marker, ExecTypeExecuted); err != nil {
			return err
		}
		if ranChangeSets, err = s.RanChangeSets(ctx); err != nil {
			return err
		}
	}

	last := ranChangeSets[len(ranChangeSets)-1]
	err = repository.UpdateTag(s.db.DB.WithContext(ctx), s.db.EscapedChangeLogTable(), toRepositoryKey(last.Key), tag)
	if err != nil {
		return historyError("tag", err)
	}

	last.Tag = tag
	s.replaceCached(last)
	return nil
}

func (s *StandardService) TagExists(ctx context.Context, tag string) (bool, error) {
	count, err := repository.CountTag(s.db.DB.WithContext(ctx), s.db.EscapedChangeLogTable(), tag)
	if err != nil {
		return false, historyError("tag exists", err)
	}
	return count > 0, nil
}

func (s *StandardService) ClearAllCheckSums(ctx context.Context) error {
	s.logger.Info("Clearing change log checksums")
	if err := repository.ClearCheckSums(s.db.DB.WithContext(ctx), s.db.EscapedChangeLogTable()); err != nil {
		return historyError("clear checksums", err)
	}
	s.Reset()
	return nil
}

// RanChangeSets возвращает историю в порядке выполнения.
func (s *StandardService) RanChangeSets(ctx context.Context) ([]RanChangeSet, error) {
	ranChangeSets, err := s.loadRanChangeSets(s.db.DB.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return append([]RanChangeSet(nil), ranChangeSets...), nil
}

func (s *StandardService) loadRanChangeSets(db *gorm.DB) ([]RanChangeSet, error) {
	if s.ranChangeSets != nil {
		return s.ranChangeSets, nil
	}

	if !s.hasHistoryTableIn(db) {
		return []RanChangeSet{}, nil
	}

	rows, err := repository.GetChangeLogSorted(db, s.db.EscapedChangeLogTable())
	if err != nil {
		return nil, historyError("load history", err)
	}

	ranChangeSets := make([]RanChangeSet, 0, len(rows))
	for _, row := range rows {
		if _, err := ParseExecType(row.ExecType); err != nil {
			return nil, historyError("load history", err)
		}
		ranChangeSets = append(ranChangeSets, fromModel(row))
	}

	s.ranChangeSets = ranChangeSets
	return s.ranChangeSets, nil
}

func (s *StandardService) RanChangeSet(ctx context.Context, cs ChangeSet) (*RanChangeSet, error) {
	return s.findRan(s.db.DB.WithContext(ctx), cs)
}

func (s *StandardService) findRan(db *gorm.DB, cs ChangeSet) (*RanChangeSet, error) {
	ranChangeSets, err := s.loadRanChangeSets(db)
	if err != nil {
		return nil, err
	}

	for i := range ranChangeSets {
		if ranChangeSets[i].IsSameAs(cs) {
			ran := ranChangeSets[i]
			return &ran, nil
		}
	}
	return nil, nil
}

func (s *StandardService) DeploymentID() string {
	return s.deploymentID
}

func (s *StandardService) Reset() {
	s.ranChangeSets = nil
	s.lastOrder = nil
	s.hasTable = nil
	s.tableEnsured = false
}

func (s *StandardService) Destroy(ctx context.Context) error {
	if s.hasHistoryTable(ctx) {
		s.logger.Info("Dropping change log table", zap.String("table", s.db.EscapedChangeLogTable()))
		if err := repository.DropTable(s.db.DB.WithContext(ctx), s.db.EscapedChangeLogTable()); err != nil {
			return historyError("destroy", err)
		}
	}
	s.Reset()
	return nil
}

func (s *StandardService) hasHistoryTable(ctx context.Context) bool {
	return s.hasHistoryTableIn(s.db.DB.WithContext(ctx))
}

func (s *StandardService) hasHistoryTableIn(db *gorm.DB) bool {
	if s.hasTable == nil {
		hasTable := repository.HasTable(db, s.db.QualifiedChangeLogTable())
		s.hasTable = &hasTable
	}
	return *s.hasTable
}

func (s *StandardService) nextOrder(db *gorm.DB) (int, error) {
	if s.lastOrder == nil {
		last, err := repository.GetMaxOrderExecuted(db, s.db.EscapedChangeLogTable())
		if err != nil {
			return 0, historyError("read order", err)
		}
		s.lastOrder = &last
	}
	return *s.lastOrder + 1, nil
}

func (s *StandardService) session(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		tx = s.db.DB
	}
	return tx.WithContext(ctx)
}

func (s *StandardService) setCachedCheckSum(key Key, sum *checksum.CheckSum) {
	for i := range s.ranChangeSets {
		if s.ranChangeSets[i].Key == key {
			s.ranChangeSets[i].LastCheckSum = sum
			return
		}
	}
}

func (s *StandardService) replaceCached(ran RanChangeSet) {
	for i := range s.ranChangeSets {
		if s.ranChangeSets[i].Key == ran.Key {
			s.ranChangeSets[i] = ran
			return
		}
	}
}

func fromModel(row models.ChangeLogModel) RanChangeSet {
	return RanChangeSet{
		Key: Key{
			FilePath: row.FileName,
			ID:       row.ChangeSetID,
			Author:   row.Author,
		},
		LastCheckSum:  checksum.Parse(deref(row.MD5Sum)),
		DateExecuted:  row.DateExecuted,
		OrderExecuted: row.OrderExecuted,
		Tag:           deref(row.Tag),
		ExecType:      ExecType(strings.ToUpper(row.ExecType)),
		Description:   deref(row.Description),
		Comments:      deref(row.Comments),
		Contexts:      deref(row.Contexts),
		Labels:        deref(row.Labels),
		DeploymentID:  deref(row.DeploymentID),
	}
}

func toRepositoryKey(key Key) repository.Key {
	return repository.Key{ID: key.ID, Author: key.Author, FileName: key.FilePath}
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func truncate(value string, size int) string {
	if len(value) <= size {
		return value
	}
	return value[:size]
}

// tagMarker служебный набор изменений для тега пустой истории.
type tagMarker struct {
	id string
}

func (m tagMarker) Key() Key {
	return Key{FilePath: internalFilePath, ID: m.id, Author: internalAuthor}
}

func (m tagMarker) CheckSum() *checksum.CheckSum { return checksum.Compute("") }
func (tagMarker) ShouldRunOnChange() bool        { return false }
func (tagMarker) Description() string            { return "empty" }
func (tagMarker) Comments() string               { return "" }
func (tagMarker) Contexts() []string             { return nil }
func (tagMarker) Labels() []string               { return nil }
func (tagMarker) Dbms() []string                 { return nil }
