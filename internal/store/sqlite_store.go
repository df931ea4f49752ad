package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"od-database/internal/models"
)

type websiteRow struct {
	ID               uint   `gorm:"primaryKey"`
	URL              string `gorm:"uniqueIndex;not null"`
	SubmitterAddress string
	SubmitterAgent   string
	Status           string `gorm:"index;not null"`
	FileCount        int64
	ByteSize         int64
	LastCrawled      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (websiteRow) TableName() string { return "websites" }

func (r websiteRow) toModel() models.Website {
	return models.Website{
		ID:               r.ID,
		URL:              r.URL,
		SubmitterAddress: r.SubmitterAddress,
		SubmitterAgent:   r.SubmitterAgent,
		Status:           models.WebsiteStatus(r.Status),
		FileCount:        r.FileCount,
		ByteSize:         r.ByteSize,
		LastCrawled:      r.LastCrawled,
		CreatedAt:        r.CreatedAt,
	}
}

type queueRow struct {
	ID        uint `gorm:"primaryKey"`
	WebsiteID uint `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

func (queueRow) TableName() string { return "queue_entries" }

// SQLiteStore keeps websites and the crawl queue in SQLite.
type SQLiteStore struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL lets the API read while the worker writes; immediate transactions
	// take the write lock up front so busy_timeout applies to every writer.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying SQL DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(&websiteRow{}, &queueRow{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// FindByURL returns the website whose canonical URL equals url.
func (s *SQLiteStore) FindByURL(ctx context.Context, url string) (models.Website, bool, error) {
	var row websiteRow
	err := s.db.WithContext(ctx).Where("url = ?", url).Take(&row).Error
	return rowResult(row, err)
}

// FindAncestor returns the closest tracked website whose URL is a strict
// prefix of url, i.e. url lies inside an already tracked directory tree.
// Only this direction is checked at intake: a parent submitted after one of
// its subdirectories is admitted, so tracked URLs may still nest that way.
func (s *SQLiteStore) FindAncestor(ctx context.Context, url string) (models.Website, bool, error) {
	var row websiteRow
	err := s.db.WithContext(ctx).
		Where("length(url) < length(?) AND substr(?, 1, length(url)) = url", url, url).
		Order("length(url) DESC").
		Take(&row).Error
	return rowResult(row, err)
}

// InsertWebsite stores a new website and returns its id.
func (s *SQLiteStore) InsertWebsite(ctx context.Context, website models.Website) (uint, error) {
	row := newWebsiteRow(website)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, translateError(err)
	}
	return row.ID, nil
}

// Enqueue appends a queue entry for websiteID.
func (s *SQLiteStore) Enqueue(ctx context.Context, websiteID uint) error {
	return enqueue(s.db.WithContext(ctx), websiteID)
}

func enqueue(db *gorm.DB, websiteID uint) error {
	return translateError(db.Create(&queueRow{WebsiteID: websiteID}).Error)
}

// Admit inserts a queued website for sub and appends its queue entry in one
// transaction; either both rows exist afterwards or neither does.
func (s *SQLiteStore) Admit(ctx context.Context, sub models.WebsiteSubmission) (models.Website, error) {
	row := newWebsiteRow(models.Website{
		URL:              sub.URL,
		SubmitterAddress: sub.SubmitterAddress,
		SubmitterAgent:   sub.SubmitterAgent,
		Status:           models.WebsiteQueued,
	})
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return translateError(err)
		}
		return enqueue(tx, row.ID)
	})
	if err != nil {
		return models.Website{}, err
	}
	return row.toModel(), nil
}

// Dequeue removes and returns the oldest queue entry. ok is false when the
// queue is empty.
func (s *SQLiteStore) Dequeue(ctx context.Context) (models.QueueEntry, bool, error) {
	var entry queueRow
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Order("id ASC").Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&queueRow{}, entry.ID).Error; err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return models.QueueEntry{}, false, err
	}
	return models.QueueEntry{ID: entry.ID, WebsiteID: entry.WebsiteID, CreatedAt: entry.CreatedAt}, true, nil
}

// Queue lists pending entries oldest first, with their websites attached.
func (s *SQLiteStore) Queue(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	var rows []queueRow
	q := s.db.WithContext(ctx).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.QueueEntry{}, nil
	}

	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.WebsiteID)
	}
	var sites []websiteRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&sites).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]models.Website, len(sites))
	for _, site := range sites {
		byID[site.ID] = site.toModel()
	}

	entries := make([]models.QueueEntry, 0, len(rows))
	for _, r := range rows {
		entry := models.QueueEntry{ID: r.ID, WebsiteID: r.WebsiteID, CreatedAt: r.CreatedAt}
		if site, ok := byID[r.WebsiteID]; ok {
			entry.Website = &site
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetWebsite returns the website with the given id.
func (s *SQLiteStore) GetWebsite(ctx context.Context, id uint) (models.Website, bool, error) {
	var row websiteRow
	err := s.db.WithContext(ctx).Take(&row, id).Error
	return rowResult(row, err)
}

// ListWebsites returns one page of websites, newest first.
func (s *SQLiteStore) ListWebsites(ctx context.Context, perPage, page int) ([]models.Website, error) {
	if perPage <= 0 {
		perPage = 100
	}
	if page < 0 {
		page = 0
	}
	var rows []websiteRow
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(perPage).
		Offset(perPage * page).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Website, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// SetStatus updates the crawl status of a website.
func (s *SQLiteStore) SetStatus(ctx context.Context, id uint, status models.WebsiteStatus) error {
	res := s.db.WithContext(ctx).Model(&websiteRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CrawlTotals is what a finished crawl run reports back to the store.
type CrawlTotals struct {
	Status    models.WebsiteStatus
	FileCount int64
	ByteSize  int64
	At        time.Time
}

// RecordCrawl stores the outcome of a crawl run.
func (s *SQLiteStore) RecordCrawl(ctx context.Context, id uint, totals CrawlTotals) error {
	at := totals.At
	res := s.db.WithContext(ctx).Model(&websiteRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":       string(totals.Status),
		"file_count":   totals.FileCount,
		"byte_size":    totals.ByteSize,
		"last_crawled": &at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates websites and the pending queue.
func (s *SQLiteStore) Stats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	err := s.db.WithContext(ctx).Model(&websiteRow{}).Select(
		"COUNT(*) AS website_count, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS crawled_count, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed_count, "+
			"COALESCE(SUM(file_count), 0) AS file_count, "+
			"COALESCE(SUM(byte_size), 0) AS total_size",
		string(models.WebsiteCrawled), string(models.WebsiteFailed),
	).Scan(&stats).Error
	if err != nil {
		return models.Stats{}, err
	}
	if err := s.db.WithContext(ctx).Model(&queueRow{}).Count(&stats.QueuedCount).Error; err != nil {
		return models.Stats{}, err
	}
	return stats, nil
}

func newWebsiteRow(w models.Website) websiteRow {
	status := w.Status
	if status == "" {
		status = models.WebsiteQueued
	}
	return websiteRow{
		URL:              w.URL,
		SubmitterAddress: w.SubmitterAddress,
		SubmitterAgent:   w.SubmitterAgent,
		Status:           string(status),
		FileCount:        w.FileCount,
		ByteSize:         w.ByteSize,
		LastCrawled:      w.LastCrawled,
	}
}

func rowResult(row websiteRow, err error) (models.Website, bool, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Website{}, false, nil
	}
	if err != nil {
		return models.Website{}, false, err
	}
	return row.toModel(), true, nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrDuplicateURL, err)
	}
	return err
}
