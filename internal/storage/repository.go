// Package storage is the only layer that touches the filesystem. Every
// write goes through a temp-file + rename swap, so readers never observe a
// partial JSON document. Callers own disjoint path sets, which makes the
// rename sufficient without file locking.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
)

// Repository reads and writes the on-disk league state under a data root.
type Repository struct {
	root string
}

// NewRepository builds a repository rooted at dir.
func NewRepository(dir string) *Repository {
	return &Repository{root: dir}
}

// writeJSON atomically replaces path with the marshaled value.
func (r *Repository) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// readJSON loads path into v. A missing file leaves v untouched and
// returns false.
func (r *Repository) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (r *Repository) standingsPath(leagueID string) string {
	return filepath.Join(r.root, "leagues", leagueID, "standings.json")
}

func (r *Repository) roundsPath(leagueID string) string {
	return filepath.Join(r.root, "leagues", leagueID, "rounds.json")
}

func (r *Repository) matchPath(matchID string) string {
	return filepath.Join(r.root, "matches", matchID+".json")
}

func (r *Repository) historyPath(playerID string) string {
	return filepath.Join(r.root, "players", playerID, "history.json")
}

func (r *Repository) outboxDir(refereeID string) string {
	return filepath.Join(r.root, "referees", refereeID, "outbox")
}

// standingsFile is the persisted snapshot shape.
type standingsFile struct {
	LeagueID  string                  `json:"league_id"`
	Standings []protocol.StandingsRow `json:"standings"`
	Processed []string                `json:"processed_match_ids"`
}

// SaveStandings writes the standings snapshot plus the processed-match set.
func (r *Repository) SaveStandings(leagueID string, rows []protocol.StandingsRow, processed []string) error {
	sort.Strings(processed)
	return r.writeJSON(r.standingsPath(leagueID), standingsFile{
		LeagueID:  leagueID,
		Standings: rows,
		Processed: processed,
	})
}

// LoadStandings returns the snapshot; an absent file is an empty league.
func (r *Repository) LoadStandings(leagueID string) ([]protocol.StandingsRow, []string, error) {
	var f standingsFile
	if _, err := r.readJSON(r.standingsPath(leagueID), &f); err != nil {
		return nil, nil, err
	}
	return f.Standings, f.Processed, nil
}

// SaveSchedule writes rounds.json for a league.
func (r *Repository) SaveSchedule(s *models.Schedule) error {
	return r.writeJSON(r.roundsPath(s.LeagueID), s)
}

// LoadSchedule reads rounds.json; absent means no schedule built yet.
func (r *Repository) LoadSchedule(leagueID string) (*models.Schedule, error) {
	var s models.Schedule
	found, err := r.readJSON(r.roundsPath(leagueID), &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// SaveTranscript writes the full match transcript.
func (r *Repository) SaveTranscript(t *models.MatchTranscript) error {
	return r.writeJSON(r.matchPath(t.MatchID), t)
}

// LoadTranscript reads one match transcript.
func (r *Repository) LoadTranscript(matchID string) (*models.MatchTranscript, error) {
	var t models.MatchTranscript
	found, err := r.readJSON(r.matchPath(matchID), &t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

// SavePlayerHistory writes a player's local history.
func (r *Repository) SavePlayerHistory(h *models.PlayerHistory) error {
	return r.writeJSON(r.historyPath(h.PlayerID), h)
}

// LoadPlayerHistory reads a player's history; absent means empty.
func (r *Repository) LoadPlayerHistory(playerID string) (*models.PlayerHistory, error) {
	h := &models.PlayerHistory{PlayerID: playerID}
	if _, err := r.readJSON(r.historyPath(playerID), h); err != nil {
		return nil, err
	}
	return h, nil
}

// ListTranscripts returns every persisted match transcript.
func (r *Repository) ListTranscripts() ([]*models.MatchTranscript, error) {
	dir := filepath.Join(r.root, "matches")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*models.MatchTranscript
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var t models.MatchTranscript
		found, err := r.readJSON(filepath.Join(dir, e.Name()), &t)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &t)
		}
	}
	return out, nil
}

// SaveOutboxReport persists an unacknowledged MATCH_RESULT_REPORT so a
// referee restart can resume resending.
func (r *Repository) SaveOutboxReport(refereeID string, report *protocol.MatchResultReportParams) error {
	path := filepath.Join(r.outboxDir(refereeID), report.MatchID+".json")
	return r.writeJSON(path, report)
}

// DeleteOutboxReport removes an acknowledged report.
func (r *Repository) DeleteOutboxReport(refereeID, matchID string) error {
	err := os.Remove(filepath.Join(r.outboxDir(refereeID), matchID+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ListOutboxReports returns all pending reports for a referee, oldest file
// name first.
func (r *Repository) ListOutboxReports(refereeID string) ([]*protocol.MatchResultReportParams, error) {
	entries, err := os.ReadDir(r.outboxDir(refereeID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var reports []*protocol.MatchResultReportParams
	for _, name := range names {
		var rep protocol.MatchResultReportParams
		found, err := r.readJSON(filepath.Join(r.outboxDir(refereeID), name), &rep)
		if err != nil {
			return nil, err
		}
		if found {
			reports = append(reports, &rep)
		}
	}
	return reports, nil
}
