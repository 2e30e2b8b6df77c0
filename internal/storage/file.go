package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"carebot/internal/schedule"
	logx "carebot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json      (atomic snapshot of schedules/followups/cursors)
//   - <prefix>.dispatch.jsonl  (append-only audit)
//
// Every mutation rewrites the snapshot via tmp+rename, which is cheap at the
// scale of one clinic's discharge list.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath    string
	dispatchFile *os.File

	state fileState
}

type fileState struct {
	Schedules    map[string]schedule.Schedule `json:"schedules"`
	FollowUps    map[string]schedule.FollowUp `json:"followups"`
	Cursors      map[string]CursorEntry       `json:"cursors"`       // patientID|day|fireTime
	FollowUpSent map[string]string            `json:"followup_sent"` // followUpID|daysAhead -> day
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:       log,
		statePath: prefix + ".state.json",
		state: fileState{
			Schedules:    map[string]schedule.Schedule{},
			FollowUps:    map[string]schedule.FollowUp{},
			Cursors:      map[string]CursorEntry{},
			FollowUpSent: map[string]string{},
		},
	}
	if err := st.loadState(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load state: %w", err)
	}

	df, err := os.OpenFile(prefix+".dispatch.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.dispatchFile = df
	return st, nil
}

func (s *fileStore) loadState() error {
	f, err := os.Open(s.statePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Schedules == nil {
		st.Schedules = map[string]schedule.Schedule{}
	}
	if st.FollowUps == nil {
		st.FollowUps = map[string]schedule.FollowUp{}
	}
	if st.Cursors == nil {
		st.Cursors = map[string]CursorEntry{}
	}
	if st.FollowUpSent == nil {
		st.FollowUpSent = map[string]string{}
	}
	s.state = st
	return nil
}

func (s *fileStore) saveStateLocked() error {
	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchFile == nil {
		return nil
	}
	err := s.dispatchFile.Close()
	s.dispatchFile = nil
	return err
}

func cursorKey(patientID, day, fireTime string) string {
	return patientID + "|" + day + "|" + fireTime
}

func followUpSentKey(id string, daysAhead int) string {
	return id + "|" + strconv.Itoa(daysAhead)
}

// ---- schedules ----

func (s *fileStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Schedules[sc.PatientID] = sc
	return s.saveStateLocked()
}

func (s *fileStore) GetSchedule(ctx context.Context, patientID string) (schedule.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.state.Schedules[patientID]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule for %q: %w", patientID, ErrNotFound)
	}
	return sc, nil
}

func (s *fileStore) ListActive(ctx context.Context) ([]schedule.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.Schedule
	for _, sc := range s.state.Schedules {
		if sc.Active {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *fileStore) Deactivate(ctx context.Context, patientID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.state.Schedules[patientID]
	if !ok {
		return fmt.Errorf("schedule for %q: %w", patientID, ErrNotFound)
	}
	sc.Active = false
	s.state.Schedules[patientID] = sc
	return s.saveStateLocked()
}

// ---- cursors ----

func (s *fileStore) DayCursor(ctx context.Context, patientID, day string) (map[string]CursorEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := patientID + "|" + day + "|"
	out := map[string]CursorEntry{}
	for k, e := range s.state.Cursors {
		if ft, ok := strings.CutPrefix(k, prefix); ok {
			out[ft] = e
		}
	}
	return out, nil
}

func (s *fileStore) MarkSent(ctx context.Context, patientID, day, fireTime string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cursorKey(patientID, day, fireTime)
	e := s.state.Cursors[k]
	e.State = CursorSent
	e.At = at
	s.state.Cursors[k] = e
	return s.saveStateLocked()
}

func (s *fileStore) MarkMissed(ctx context.Context, patientID, day, fireTime string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cursorKey(patientID, day, fireTime)
	e := s.state.Cursors[k]
	e.State = CursorMissed
	s.state.Cursors[k] = e
	return s.saveStateLocked()
}

func (s *fileStore) BumpAttempts(ctx context.Context, patientID, day, fireTime string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cursorKey(patientID, day, fireTime)
	e := s.state.Cursors[k]
	e.Attempts++
	s.state.Cursors[k] = e
	return e.Attempts, s.saveStateLocked()
}

// ---- follow-ups ----

func (s *fileStore) PutFollowUp(ctx context.Context, f schedule.FollowUp) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FollowUps[f.ID] = f
	return s.saveStateLocked()
}

func (s *fileStore) ListActiveFollowUps(ctx context.Context) ([]schedule.FollowUp, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.FollowUp
	for _, f := range s.state.FollowUps {
		if f.Active {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fileStore) DeactivateFollowUp(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.FollowUps[id]
	if !ok {
		return fmt.Errorf("follow-up %q: %w", id, ErrNotFound)
	}
	f.Active = false
	s.state.FollowUps[id] = f
	return s.saveStateLocked()
}

func (s *fileStore) FollowUpSent(ctx context.Context, id string, daysAhead int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.FollowUpSent[followUpSentKey(id, daysAhead)]
	return ok, nil
}

func (s *fileStore) MarkFollowUpSent(ctx context.Context, id string, daysAhead int, day string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FollowUpSent[followUpSentKey(id, daysAhead)] = day
	return s.saveStateLocked()
}

// ---- audit + retention ----

func (s *fileStore) AppendDispatch(ctx context.Context, r DispatchRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchFile == nil {
		return errors.New("dispatch log closed")
	}
	return json.NewEncoder(s.dispatchFile).Encode(r)
}

func (s *fileStore) Prune(ctx context.Context, keepDays int, now time.Time) error {
	_ = ctx
	if keepDays <= 0 {
		keepDays = 30
	}
	edge := now.AddDate(0, 0, -keepDays).Format(schedule.DayFormat)

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for k := range s.state.Cursors {
		parts := strings.SplitN(k, "|", 3)
		if len(parts) == 3 && parts[1] < edge {
			delete(s.state.Cursors, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	// The JSONL audit stays append-only; only cursor state is compacted.
	return s.saveStateLocked()
}
