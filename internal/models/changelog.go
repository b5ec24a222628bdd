package models

import "time"

// ChangeLogModel строка таблицы истории выполненных наборов изменений.
type ChangeLogModel struct {
	ChangeSetID   string    `gorm:"column:id"`
	Author        string    `gorm:"column:author"`
	FileName      string    `gorm:"column:filename"`
	DateExecuted  time.Time `gorm:"column:dateexecuted"`
	OrderExecuted int       `gorm:"column:orderexecuted"`
	ExecType      string    `gorm:"column:exectype"`
	MD5Sum        *string   `gorm:"column:md5sum"`
	Description   *string   `gorm:"column:description"`
	Comments      *string   `gorm:"column:comments"`
	Tag           *string   `gorm:"column:tag"`
	ToolVersion   *string   `gorm:"column:liquibase"`
	Contexts      *string   `gorm:"column:contexts"`
	Labels        *string   `gorm:"column:labels"`
	DeploymentID  *string   `gorm:"column:deployment_id"`
}

func (ChangeLogModel) TableName() string {
	return "databasechangelog"
}

// ChangeLogLockModel единственная строка таблицы блокировки.
// LockExpires и LockedByID есть только у таблицы продлеваемой блокировки.
type ChangeLogLockModel struct {
	ID          int        `gorm:"column:id"`
	Locked      bool       `gorm:"column:locked"`
	LockGranted *time.Time `gorm:"column:lockgranted"`
	LockedBy    *string    `gorm:"column:lockedby"`
	LockExpires *time.Time `gorm:"column:lockexpires"`
	LockedByID  *string    `gorm:"column:lockedbyid"`
}

func (ChangeLogLockModel) TableName() string {
	return "databasechangeloglock"
}
