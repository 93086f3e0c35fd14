// Package store persists decoded deltas to a local sqlite database so
// intercepted sessions can be inspected after the fact.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"streamproxy"
)

// Capture is one published delta.
type Capture struct {
	ID        uint   `gorm:"primaryKey"`
	Session   string `gorm:"index"`
	Host      string
	Path      string
	Body      string
	Reason    string
	Function  string // JSON-encoded function calls
	Done      bool
	Error     bool
	Status    int
	CreatedAt time.Time
}

// Recorder implements streamproxy.Sink on top of sqlite.
type Recorder struct {
	db *gorm.DB
}

func Open(path string) (*Recorder, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening capture db: %w", err)
	}

	if err := db.AutoMigrate(&Capture{}); err != nil {
		return nil, fmt.Errorf("migrating capture db: %w", err)
	}

	return &Recorder{db: db}, nil
}

func (r *Recorder) Publish(delta *streamproxy.Delta) error {
	function, err := json.Marshal(delta.Function)
	if err != nil {
		return err
	}

	return r.db.Create(&Capture{
		Session:  delta.Session,
		Host:     delta.Host,
		Path:     delta.Path,
		Body:     delta.Body,
		Reason:   delta.Reason,
		Function: string(function),
		Done:     delta.Done,
		Error:    delta.Error,
		Status:   delta.Status,
	}).Error
}

// Recent returns the n most recently recorded captures, newest first.
func (r *Recorder) Recent(n int) ([]Capture, error) {
	var captures []Capture

	err := r.db.Order("id desc").Limit(n).Find(&captures).Error

	return captures, err
}

// Session returns every capture recorded for one proxy session, oldest
// first.
func (r *Recorder) Session(id string) ([]Capture, error) {
	var captures []Capture

	err := r.db.Where("session = ?", id).Order("id asc").Find(&captures).Error

	return captures, err
}

func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
