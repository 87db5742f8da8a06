package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"scenejobs/internal/domain"
	"scenejobs/internal/orchestrator"
	"scenejobs/internal/storage"
	"scenejobs/pkg/zip"

	"github.com/go-chi/chi/v5"
)

// ExportJob bundles a job's snapshot, scenes, characters and prompts into a
// zip. Jobs that expired from the cache are served from the snapshot
// archive when one exists.
func (a *App) ExportJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.Jobs.Get(r.Context(), jobID)
	if errors.Is(err, domain.ErrNotFound) && a.Archive != nil {
		job, err = a.archived(r, jobID)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}

	data, err := exportBundle(job)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="scenejobs-%s.zip"`, job.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *App) archived(r *http.Request, jobID string) (*domain.CachedJob, error) {
	raw, err := a.Archive.Read(r.Context(), orchestrator.ArchiveKey(jobID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("export %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var job domain.CachedJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode archived snapshot: %w", err)
	}
	return &job, nil
}

func exportBundle(job *domain.CachedJob) ([]byte, error) {
	snapshot, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, err
	}
	scenes, err := json.MarshalIndent(job.Scenes, "", "  ")
	if err != nil {
		return nil, err
	}
	chars, err := json.MarshalIndent(job.Characters, "", "  ")
	if err != nil {
		return nil, err
	}
	modified := job.UpdatedAt
	return zip.Archive([]zip.File{
		{Name: "snapshot.json", Data: snapshot, Modified: modified},
		{Name: "scenes.json", Data: scenes, Modified: modified},
		{Name: "characters.json", Data: chars, Modified: modified},
		{Name: "prompts.txt", Data: []byte(promptSheet(job.Scenes)), Modified: modified},
	})
}

// promptSheet lists one prompt per scene, falling back to the description.
func promptSheet(scenes []domain.Scene) string {
	var sb strings.Builder
	for _, s := range scenes {
		text := strings.TrimSpace(s.Prompt)
		if text == "" {
			text = strings.TrimSpace(s.Description)
		}
		fmt.Fprintf(&sb, "%d. %s\n", s.Number, text)
	}
	return sb.String()
}
