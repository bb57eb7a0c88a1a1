package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/ontoserve/authcore/internal/role"
	"github.com/ontoserve/authcore/internal/user"
)

// importFromFile performs the one-time bulk import from a tab-delimited
// file. Columns: userName, displayName, id, comma-separated global roles,
// password (plaintext or a pre-computed bcrypt hash), email. Rows whose
// first column is blank or starts with '#' are skipped, as are rows whose
// id, username or email already exists. An unparseable role token skips
// only that role.
// ImportFile runs the bulk import against an already bootstrapped store,
// for operational one-shot loads.
func (s *Store) ImportFile(path string) error {
	return s.importFromFile(path)
}

func (s *Store) importFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open import file: %w", err)
	}
	defer f.Close()
	s.logger.Info("importing users", "path", path)

	reader := csv.NewReader(f)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("cannot parse import file: %w", err)
	}

	for _, line := range records {
		if len(line) == 0 || line[0] == "" || strings.HasPrefix(line[0], "#") {
			continue
		}

		userName := line[0]
		displayName := importField(line, 1)
		if displayName == "" {
			displayName = userName
		}
		id := uuid.New()
		if raw := importField(line, 2); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				s.logger.Error("invalid id on import row, skipping row", "user_name", userName, "id", raw)
				continue
			}
			id = parsed
		}
		roles := role.NewSet()
		for _, token := range strings.Split(importField(line, 3), ",") {
			if token == "" {
				continue
			}
			r, ok := role.Parse(token)
			if !ok {
				s.logger.Error("invalid role string on user, skipping role", "user_name", userName, "role", token)
				continue
			}
			roles.Add(r)
		}
		password := importField(line, 4)
		email := importField(line, 5)

		if _, exists := s.Get(id); exists {
			s.logger.Info("not adding user from import file, user already exists", "user_name", userName)
			continue
		}
		if _, exists := s.Find(userName, email); exists {
			s.logger.Info("not adding user from import file, user already exists", "user_name", userName)
			continue
		}

		u := user.New(id, userName, displayName, roles, nil)
		if password != "" {
			if isBcryptHash(password) {
				u.CredentialHash = password
			} else if err := u.SetPassword(password, s.bcryptCost); err != nil {
				s.logger.Error("failed to set imported password, skipping row", "user_name", userName, "error", err)
				continue
			}
		}
		u.Email = email

		s.logger.Info("adding user from import file", "user_name", userName, "user_id", id)
		if err := s.AddOrUpdate(u); err != nil {
			s.logger.Error("failed to add imported user", "user_name", userName, "error", err)
		}
	}
	return nil
}

func importField(line []string, i int) string {
	if i >= len(line) {
		return ""
	}
	return strings.TrimSpace(line[i])
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
