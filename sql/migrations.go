package sql

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations is a function that brings the database schema up to date.
type Migrations func(Executor) error

// statements splits a migration script on semicolons. Scripts must not use
// semicolons inside literals.
func statements(content []byte) *bufio.Scanner {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Split(func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if i := bytes.Index(data, []byte(";")); i >= 0 {
			return i + 1, data[0 : i+1], nil
		}
		return 0, nil, nil
	})
	return scanner
}

// embeddedMigrations applies every script under migrations/ whose numeric
// prefix is above the current PRAGMA user_version, in prefix order, and
// bumps user_version after each one.
func embeddedMigrations(db Executor) error {
	files, err := embedded.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() < files[j].Name()
	})

	var current int
	if _, err := db.Exec("PRAGMA user_version;", nil, func(stmt *Statement) bool {
		current = stmt.ColumnInt(0)
		return true
	}); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, file := range files {
		prefix, _, _ := strings.Cut(file.Name(), "_")
		order, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("migration %s has no numeric prefix: %w", file.Name(), err)
		}
		if order <= current {
			continue
		}
		content, err := embedded.ReadFile("migrations/" + file.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file.Name(), err)
		}
		scanner := statements(content)
		for scanner.Scan() {
			if _, err := db.Exec(scanner.Text(), nil, nil); err != nil {
				return fmt.Errorf("apply %s: %w", file.Name(), err)
			}
		}
		// binding values in pragma statement is not allowed
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", order), nil, nil); err != nil {
			return fmt.Errorf("update user_version to %d: %w", order, err)
		}
	}
	return nil
}
