// Package transcript keeps an append-only log of the activities sent to each
// conversation so stream subscribers can catch up after reconnecting.
package transcript

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type Store struct {
	RootDir string
}

type Record struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

func NewStore(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &Store{RootDir: rootDir}, nil
}

// fileName maps every key to its own file; distinct keys never share a log.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *Store) filePath(key string) string {
	return filepath.Join(s.RootDir, fileName(key)+".jsonl")
}

func (s *Store) lockPath(key string) string {
	return filepath.Join(s.RootDir, fileName(key)+".lock")
}

const (
	lockStaleDuration = 30 * time.Second
	lockTimeout       = 10 * time.Second
	lockPollInterval  = 8 * time.Millisecond
)

func (s *Store) withLock(key string, fn func() error) error {
	lock := s.lockPath(key)
	deadline := time.Now().Add(lockTimeout)
	for {
		err := os.Mkdir(lock, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		// Break stale locks left by crashed processes.
		if info, statErr := os.Stat(lock); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleDuration {
				_ = os.RemoveAll(lock)
				continue
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring transcript lock for %s", key)
		}
		time.Sleep(lockPollInterval)
	}
	defer func() {
		_ = os.RemoveAll(lock)
	}()
	return fn()
}

// Append stores payload for key and returns its record id. Ids are assigned
// under the lock so file order matches id order.
func (s *Store) Append(key, payload string) (string, error) {
	if strings.ContainsAny(payload, "\r\n") {
		return "", errors.New("transcript payload must be a single line")
	}
	var id string
	err := s.withLock(key, func() error {
		id = ulid.Make().String()
		f, err := os.OpenFile(s.filePath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString(id + ":" + payload + "\n")
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Records(key string) ([]Record, error) {
	f, err := os.Open(s.filePath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer f.Close()

	records := make([]Record, 0, 64)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) <= ulid.EncodedSize || line[ulid.EncodedSize] != ':' {
			continue
		}
		records = append(records, Record{
			ID:      line[:ulid.EncodedSize],
			Payload: line[ulid.EncodedSize+1:],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Since returns the records of key written after lastID. An empty lastID
// returns everything.
func (s *Store) Since(key, lastID string) ([]Record, error) {
	records, err := s.Records(key)
	if err != nil {
		return nil, err
	}
	if lastID == "" {
		return records, nil
	}
	out := records[:0]
	for _, r := range records {
		if r.ID > lastID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Cleanup() error {
	return os.RemoveAll(s.RootDir)
}
