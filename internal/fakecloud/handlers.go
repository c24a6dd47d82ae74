package fakecloud

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tphummel/lab_matrix/internal/cloudapi"
	"github.com/tphummel/lab_matrix/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, id, msg string) {
	writeJSON(w, status, map[string]string{"id": id, "message": msg})
}

func pathID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	return id, err == nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return false
	}
	return true
}

// page slices items for the ?page= and ?per_page= query and reports whether
// another page follows.
func page[T any](s *Server, r *http.Request, items []T) ([]T, bool) {
	pageNum, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if pageNum < 1 {
		pageNum = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if size < 1 || size > s.pageSize {
		size = s.pageSize
	}
	start := (pageNum - 1) * size
	if start >= len(items) {
		return []T{}, false
	}
	end := min(start+size, len(items))
	return items[start:end], end < len(items)
}

func nextLink(r *http.Request, more bool) map[string]any {
	pages := map[string]string{}
	if more {
		q := r.URL.Query()
		n, _ := strconv.Atoi(q.Get("page"))
		if n < 1 {
			n = 1
		}
		q.Set("page", strconv.Itoa(n+1))
		next := url.URL{Path: r.URL.Path, RawQuery: q.Encode()}
		pages["next"] = next.String()
	}
	return map[string]any{"pages": pages}
}

func (s *Server) createDroplet(w http.ResponseWriter, r *http.Request) {
	var req cloudapi.CreateDropletRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Image == "" {
		writeError(w, http.StatusUnprocessableEntity, "unprocessable_entity", "name and image are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createFail != 0 {
		writeError(w, s.createFail, "injected", "injected create failure")
		return
	}
	for _, keyID := range req.SSHKeys {
		if _, ok := s.keys[keyID]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "unprocessable_entity", "unknown ssh key "+strconv.Itoa(keyID))
			return
		}
	}

	id := s.allocID()
	d := &droplet{
		d: cloudapi.Droplet{
			ID:        id,
			Name:      req.Name,
			Status:    models.StatusNew,
			CreatedAt: time.Now().UTC(),
			Tags:      append([]string(nil), req.Tags...),
			Image:     cloudapi.Image{Slug: string(req.Image)},
			Region:    cloudapi.Region{Slug: req.Region},
		},
		script: append([]Step(nil), s.script...),
	}
	s.droplets[id] = d
	writeJSON(w, http.StatusAccepted, map[string]any{"droplet": d.d})
}

// advance applies the next scripted step to d.
func advance(d *droplet) {
	if len(d.script) == 0 {
		return
	}
	i := min(d.polls, len(d.script)-1)
	d.polls++
	step := d.script[i]
	if d.d.Status == models.StatusOff {
		return
	}
	d.d.Status = step.Status
	switch step.Address {
	case "":
		d.d.Networks.V4 = nil
	case AutoAddress:
		d.d.Networks.V4 = []cloudapi.NetworkV4{{IPAddress: addressFor(d.d.ID), Type: "public"}}
	default:
		d.d.Networks.V4 = []cloudapi.NetworkV4{{IPAddress: step.Address, Type: "public"}}
	}
}

func (s *Server) getDroplet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "The resource you were accessing could not be found.")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.droplets[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "The resource you were accessing could not be found.")
		return
	}
	advance(d)
	writeJSON(w, http.StatusOK, map[string]any{"droplet": d.d})
}

func (s *Server) listDroplets(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag_name")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listFail != 0 {
		writeError(w, s.listFail, "injected", "injected list failure")
		return
	}
	var matched []cloudapi.Droplet
	for _, d := range s.droplets {
		if tag == "" || slices.Contains(d.d.Tags, tag) {
			matched = append(matched, d.d)
		}
	}
	slices.SortFunc(matched, func(a, b cloudapi.Droplet) int { return a.ID - b.ID })
	items, more := page(s, r, matched)
	writeJSON(w, http.StatusOK, map[string]any{
		"droplets": items,
		"links":    nextLink(r, more),
		"meta":     map[string]int{"total": len(matched)},
	})
}

func (s *Server) deleteDroplet(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.deleteFail[id]; ok {
		writeError(w, status, "injected", "injected delete failure")
		return
	}
	if _, ok := s.droplets[id]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "The resource you were accessing could not be found.")
		return
	}
	delete(s.droplets, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createAction(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	var req struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.droplets[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "The resource you were accessing could not be found.")
		return
	}
	switch req.Type {
	case "power_off":
		d.d.Status = models.StatusOff
	case "snapshot":
		snapID := s.allocID()
		key := strconv.Itoa(snapID)
		s.snapshots[key] = cloudapi.Snapshot{ID: cloudapi.ImageRef(key), Name: req.Name, CreatedAt: time.Now().UTC(), SizeGB: 2.5}
		s.dropletSnaps[id] = append(s.dropletSnaps[id], key)
		d.d.SnapshotIDs = append(d.d.SnapshotIDs, snapID)
	default:
		writeError(w, http.StatusUnprocessableEntity, "unprocessable_entity", "unsupported action "+req.Type)
		return
	}
	action := &cloudapi.Action{ID: s.allocID(), Type: req.Type, Status: cloudapi.ActionInProgress}
	s.actions[action.ID] = action
	writeJSON(w, http.StatusCreated, map[string]any{"action": action})
}

// getAction reports in-progress once, then completed.
func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "The resource you were accessing could not be found.")
		return
	}
	out := *a
	a.Status = cloudapi.ActionCompleted
	writeJSON(w, http.StatusOK, map[string]any{"action": out})
}

func (s *Server) listDropletSnapshots(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.droplets[id]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "The resource you were accessing could not be found.")
		return
	}
	snaps := []cloudapi.Snapshot{}
	for _, key := range s.dropletSnaps[id] {
		if snap, ok := s.snapshots[key]; ok {
			snaps = append(snaps, snap)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[key]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "The resource you were accessing could not be found.")
		return
	}
	delete(s.snapshots, key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req cloudapi.SSHKey
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.PublicKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "unprocessable_entity", "name and public_key are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.PublicKey == req.PublicKey {
			writeError(w, http.StatusUnprocessableEntity, "unprocessable_entity", "SSH Key is already in use on your account")
			return
		}
	}
	key := cloudapi.SSHKey{
		ID:          s.allocID(),
		Name:        req.Name,
		PublicKey:   req.PublicKey,
		Fingerprint: uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.PublicKey)).String(),
	}
	s.keys[key.ID] = key
	writeJSON(w, http.StatusCreated, map[string]any{"ssh_key": key})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]cloudapi.SSHKey, 0, len(s.keys))
	for _, k := range s.keys {
		all = append(all, k)
	}
	slices.SortFunc(all, func(a, b cloudapi.SSHKey) int { return a.ID - b.ID })
	items, more := page(s, r, all)
	writeJSON(w, http.StatusOK, map[string]any{"ssh_keys": items, "links": nextLink(r, more)})
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "The resource you were accessing could not be found.")
		return
	}
	delete(s.keys, id)
	w.WriteHeader(http.StatusNoContent)
}
