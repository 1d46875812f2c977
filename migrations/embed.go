// Package migrations embeds the pipeline's SQL schema migrations and
// validates them before any state-changing operation: filename format, up and
// down pairing, gap-free sequencing and checksum integrity.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Sentinel errors for migration validation.
var (
	// ErrNoMigrations is returned when the embedded filesystem holds no migration files.
	ErrNoMigrations = errors.New("no embedded migration files found")

	// ErrInvalidFilename is returned for files not matching the naming standard.
	ErrInvalidFilename = errors.New("invalid migration filename format")

	// ErrUnpairedMigration is returned when an up migration lacks its down or vice versa.
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when migration sequence numbers are not contiguous from 001.
	ErrSequenceGap = errors.New("gap in migration sequence")

	// ErrChecksumMismatch is returned when a migration file changed between validations.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

type (
	// Set provides access to the embedded migrations with validation of
	// naming, pairing, sequencing and checksum integrity.
	Set struct {
		fs        fs.FS
		checksums map[string]string // filename -> checksum for integrity checking
	}

	// Info contains parsed information about one migration file.
	Info struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// New creates a migration Set over the given filesystem. Pass nil to use the
// embedded migrations.
func New(filesystem fs.FS) *Set {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &Set{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the filesystem containing the migration files, for use as a
// golang-migrate iofs source.
func (s *Set) FS() fs.FS {
	return s.fs
}

// List returns all migration files conforming to the naming standard, sorted
// lexicographically (which orders by sequence for three-digit prefixes).
func (s *Set) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate performs full validation of the embedded migration files. It is
// called at runner startup and again before every state-changing operation.
func (s *Set) Validate() error {
	files, err := s.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	if err := s.validateFilenames(files); err != nil {
		return err
	}

	if err := s.validatePairing(files); err != nil {
		return err
	}

	if err := s.validateSequence(files); err != nil {
		return err
	}

	if len(s.checksums) > 0 {
		if err := s.validateChecksums(files); err != nil {
			return err
		}
	}

	for _, file := range files {
		content, err := s.Content(file)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", file, err)
		}

		s.checksums[file] = checksum(content)
	}

	return nil
}

// Content returns the content of one migration file.
func (s *Set) Content(filename string) ([]byte, error) {
	return fs.ReadFile(s.fs, filename)
}

// MaxVersion returns the highest migration sequence number in the set.
func (s *Set) MaxVersion() int {
	files, err := s.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		if info, err := parseFilename(filename); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

func parseFilename(filename string) (*Info, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf("%w: %s (expected: 001_name.up.sql or 001_name.down.sql)", ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad sequence in %s: %w", ErrInvalidFilename, filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func (s *Set) validateFilenames(files []string) error {
	for _, file := range files {
		if _, err := parseFilename(file); err != nil {
			return err
		}
	}

	return nil
}

// validatePairing ensures every up migration has a corresponding down migration.
func (s *Set) validatePairing(files []string) error {
	pairs := make(map[string]map[string]bool) // sequence_name -> direction set

	for _, file := range files {
		info, err := parseFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("%w: missing up migration for %s", ErrUnpairedMigration, key)
		}

		if !directions["down"] {
			return fmt.Errorf("%w: missing down migration for %s", ErrUnpairedMigration, key)
		}
	}

	return nil
}

// validateSequence ensures sequence numbers run contiguously from 001.
func (s *Set) validateSequence(files []string) error {
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := parseFilename(file)
		if err != nil {
			return err
		}

		sequences[info.Sequence] = true
	}

	var numbers []int
	for seq := range sequences {
		numbers = append(numbers, seq)
	}

	sort.Ints(numbers)

	if len(numbers) == 0 {
		return nil
	}

	if numbers[0] != 1 {
		return fmt.Errorf("%w: sequence should start with 001, found %03d", ErrSequenceGap, numbers[0])
	}

	for i := 1; i < len(numbers); i++ {
		if numbers[i] != numbers[i-1]+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, numbers[i-1]+1, numbers[i])
		}
	}

	return nil
}

// validateChecksums verifies migration files have not changed since the last
// validation pass.
func (s *Set) validateChecksums(files []string) error {
	for _, file := range files {
		content, err := s.Content(file)
		if err != nil {
			return fmt.Errorf("read %s for checksum validation: %w", file, err)
		}

		if stored, exists := s.checksums[file]; exists && checksum(content) != stored {
			return fmt.Errorf("%w: %s has been modified", ErrChecksumMismatch, file)
		}
	}

	return nil
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)

	return fmt.Sprintf("%x", hash)
}
