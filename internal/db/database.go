/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package db turns the coordinator's database connection into gorm
// connections and workload environment variables.
// db 包将协调器下发的数据库连接转换为 gorm 连接与工作负载环境变量。
package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/seatunnel/batch-dispatcher/internal/remote"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// DatabaseType 数据库类型常量
const (
	DatabaseTypeSQLite   = "sqlite"
	DatabaseTypeMySQL    = "mysql"
	DatabaseTypePostgres = "postgres"
)

// ErrUnsupportedType indicates a database type no driver is registered for
// ErrUnsupportedType 表示没有对应驱动的数据库类型
var ErrUnsupportedType = errors.New("unsupported database type")

// NormalizeType maps the type names used by the coordinator (PostgreSQL, MySQL,
// sqlite, ...) onto a driver name, case-insensitively.
// NormalizeType 将协调器使用的类型名（不区分大小写）映射为驱动名。
func NormalizeType(dbType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgresql", "postgres", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("%w: %q, supported: PostgreSQL, MySQL, sqlite", ErrUnsupportedType, dbType)
	}
}

// Dialector selects the gorm driver for conn
// Dialector 为 conn 选择 gorm 驱动
func Dialector(conn remote.DatabaseConnection) (gorm.Dialector, error) {
	return dialector(conn, false)
}

// dialector opens sqlite files read-only when readOnly is set and never creates them
// dialector 在 readOnly 时以只读方式打开 sqlite 文件，且不会创建文件
func dialector(conn remote.DatabaseConnection, readOnly bool) (gorm.Dialector, error) {
	dbType, err := NormalizeType(conn.Type)
	if err != nil {
		return nil, err
	}

	switch dbType {
	case DatabaseTypeSQLite:
		if readOnly {
			return initReadOnlySQLiteDialector(conn.URL), nil
		}
		return initSQLiteDialector(conn.URL)
	case DatabaseTypeMySQL:
		return mysql.Open(MySQLDSN(conn)), nil
	default:
		return postgres.Open(PostgresDSN(conn)), nil
	}
}

// initSQLiteDialector uses conn.URL as the database file, in memory when empty
// initSQLiteDialector 使用 conn.URL 作为数据库文件，为空时使用内存数据库
func initSQLiteDialector(path string) (gorm.Dialector, error) {
	if path == "" || path == ":memory:" {
		return sqlite.Open("file::memory:"), nil
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	return sqlite.Open(path), nil
}

// initReadOnlySQLiteDialector opens an existing file with mode=ro
// initReadOnlySQLiteDialector 以 mode=ro 打开已存在的文件
func initReadOnlySQLiteDialector(path string) gorm.Dialector {
	if path == "" || path == ":memory:" {
		return sqlite.Open("file::memory:")
	}
	u := url.URL{Path: path}
	return sqlite.Open("file:" + u.EscapedPath() + "?mode=ro")
}

// MySQLDSN builds a go-sql-driver DSN, the schema is the database name
// MySQLDSN 构建 go-sql-driver 格式的 DSN，schema 作为数据库名
func MySQLDSN(conn remote.DatabaseConnection) string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		conn.Username,
		conn.Password,
		conn.URL,
		conn.Port,
		conn.Schema,
	)
}

// PostgresDSN builds a libpq key/value DSN. The instance is the database name
// and the schema becomes the search path; without an instance the schema names the database.
// PostgresDSN 构建 libpq 键值格式的 DSN，instance 为数据库名，schema 为搜索路径；
// 没有 instance 时 schema 作为数据库名。
func PostgresDSN(conn remote.DatabaseConnection) string {
	dbName := conn.Instance
	searchPath := conn.Schema
	if dbName == "" {
		dbName = conn.Schema
		searchPath = ""
	}

	parts := []string{
		"host=" + quoteDSNValue(conn.URL),
		"port=" + strconv.Itoa(conn.Port),
		"user=" + quoteDSNValue(conn.Username),
		"password=" + quoteDSNValue(conn.Password),
		"dbname=" + quoteDSNValue(dbName),
		"sslmode=disable",
	}
	if searchPath != "" {
		parts = append(parts, "search_path="+quoteDSNValue(searchPath))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue quotes a libpq value when it is empty or contains spaces or quotes
// quoteDSNValue 在值为空或包含空格、引号时为其加引号
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Open connects to conn with OpenTelemetry tracing. The connection is not pinged.
// Open 连接 conn 并启用 OpenTelemetry 追踪，不会主动 ping。
func Open(conn remote.DatabaseConnection, logLevel string) (*gorm.DB, error) {
	d, err := Dialector(conn)
	if err != nil {
		return nil, err
	}
	return open(conn, d, logLevel)
}

func open(conn remote.DatabaseConnection, d gorm.Dialector, logLevel string) (*gorm.DB, error) {
	db, err := gorm.Open(d, &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               getGormLogger(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", conn.Type, err)
	}

	// 注入 OpenTelemetry 追踪
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		_ = Close(db)
		return nil, fmt.Errorf("failed to register tracing plugin: %w", err)
	}
	return db, nil
}

// Probe checks that conn is reachable within ctx. Pushed sqlite files are
// opened read-only, a missing file is unreachable.
// Probe 检查 conn 在 ctx 期限内是否可达，推送的 sqlite 文件以只读方式打开，文件不存在即为不可达。
func Probe(ctx context.Context, conn remote.DatabaseConnection) error {
	d, err := dialector(conn, true)
	if err != nil {
		return err
	}
	db, err := open(conn, d, "silent")
	if err != nil {
		return err
	}
	defer Close(db)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying connection: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach %s database at %s:%d: %w", conn.Type, conn.URL, conn.Port, err)
	}

	// Round-trip one statement through the traced gorm session
	// 通过带追踪的 gorm 会话执行一次语句
	var one int
	if err := db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return fmt.Errorf("probe query failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying connection: %w", err)
	}
	return sqlDB.Close()
}

// WorkloadEnv returns the KEY=VALUE pairs a workload receives from cfg
// WorkloadEnv 返回工作负载从 cfg 获得的 KEY=VALUE 对
func WorkloadEnv(cfg remote.Config) []string {
	conn := cfg.DatabaseConnection
	port := ""
	if conn.Port != 0 {
		port = strconv.Itoa(conn.Port)
	}
	return []string{
		"AGENT_ID=" + cfg.AgentID,
		"DB_TYPE=" + conn.Type,
		"DB_HOST=" + conn.URL,
		"DB_PORT=" + port,
		"DB_USERNAME=" + conn.Username,
		"DB_PASSWORD=" + conn.Password,
		"DB_SCHEMA=" + conn.Schema,
		"DB_INSTANCE=" + conn.Instance,
	}
}

// getGormLogger 根据配置获取 GORM 日志记录器
func getGormLogger(level string) logger.Interface {
	var logLevel logger.LogLevel
	switch level {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info", "debug":
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	return logger.Default.LogMode(logLevel)
}
