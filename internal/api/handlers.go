package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/db"
	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
	"github.com/manpreetbhatti/lattice-canvas/internal/room"
)

// Auto-saves kept per room when clients post is_auto versions
const keepAutoVersions = 20

const queryTimeout = 5 * time.Second

// PresenceSource reports presence across every instance, e.g. the Redis backplane
type PresenceSource interface {
	RoomPresence(ctx context.Context, roomID string) (map[string]presence.Entry, error)
}

type API struct {
	registry *room.Registry
	database *db.Database
	presence PresenceSource
	log      *zap.Logger
}

// New builds the HTTP API. source may be nil on a single instance.
func New(registry *room.Registry, database *db.Database, source PresenceSource, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		registry: registry,
		database: database,
		presence: source,
		log:      logger.Named("api"),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("Error encoding JSON response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// internalError logs err and answers 500 with message
func (a *API) internalError(w http.ResponseWriter, message string, err error) {
	a.log.Error(message, zap.Error(err))
	a.errorResponse(w, http.StatusInternalServerError, message)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.registry.RoomCount(),
		"active_clients": a.registry.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_snapshots"] = dbStats["snapshot_count"]
			stats["total_versions"] = dbStats["version_count"]
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// document returns the live document of a room, falling back to its
// durable replica when no coordinator is running.
func (a *API) document(ctx context.Context, roomID string) ([]document.Record, uint64, bool, error) {
	if coord, ok := a.registry.Get(roomID); ok {
		records, seq, err := coord.Snapshot(ctx)
		if err == nil {
			return records, seq, true, nil
		}
		a.log.Debug("Live snapshot failed, using replica", zap.String("room", roomID), zap.Error(err))
	}

	records, seq, err := a.database.LoadSnapshot(roomID)
	return records, seq, false, err
}

func pagination(r *http.Request, defaultLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Room handlers

type RoomResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	ActiveUsers int        `json:"active_users"`
	Live        bool       `json:"live"`
	Sequence    uint64     `json:"sequence"`
	ObjectCount int        `json:"object_count"`
}

type CreateRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func roomResponse(room *db.Room) RoomResponse {
	return RoomResponse{
		ID:        room.ID,
		Name:      room.Name,
		CreatedAt: &room.CreatedAt,
		UpdatedAt: &room.UpdatedAt,
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit, offset := pagination(r, 20)

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.internalError(w, "Failed to list rooms", err)
		return
	}

	activeRooms := a.registry.ActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i := range rooms {
		response[i] = roomResponse(&rooms[i])
		users, live := activeRooms[rooms[i].ID]
		response[i].ActiveUsers = users
		response[i].Live = live
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}
	if strings.Contains(req.ID, "/") {
		a.errorResponse(w, http.StatusBadRequest, "Room ID cannot contain '/'")
		return
	}

	if err := a.database.CreateRoom(req.ID, req.Name); err != nil {
		a.internalError(w, "Failed to create room", err)
		return
	}

	room, err := a.database.GetRoom(req.ID)
	if err != nil || room == nil {
		a.internalError(w, "Failed to get room", err)
		return
	}

	a.jsonResponse(w, http.StatusCreated, roomResponse(room))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	room, err := a.database.GetRoom(roomID)
	if err != nil {
		a.internalError(w, "Failed to get room", err)
		return
	}

	coord, live := a.registry.Get(roomID)
	if room == nil && !live {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	response := RoomResponse{ID: roomID}
	if room != nil {
		response = roomResponse(room)
	}

	if live {
		ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
		defer cancel()
		records, seq, err := coord.Snapshot(ctx)
		if err == nil {
			response.Live = true
			response.ActiveUsers = coord.ConnCount()
			response.Sequence = seq
			response.ObjectCount = len(records)
			a.jsonResponse(w, http.StatusOK, response)
			return
		}
	}

	info, err := a.database.GetSnapshotInfo(roomID)
	if err != nil {
		a.internalError(w, "Failed to get snapshot", err)
		return
	}
	if info != nil {
		response.Sequence = info.Sequence
		response.ObjectCount = info.ObjectCount
	}

	a.jsonResponse(w, http.StatusOK, response)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodDelete {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// A room in its grace period is dropped without saving, or its teardown
	// would write the deleted document back
	err := a.registry.Discard(r.Context(), roomID, func() error {
		return a.database.DeleteRoom(roomID)
	})
	if errors.Is(err, room.ErrRoomInUse) {
		a.errorResponse(w, http.StatusConflict, "Room has active connections")
		return
	}
	if err != nil {
		a.internalError(w, "Failed to delete room", err)
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// RoomPresenceHandler merges this instance's presence with the mirrored
// presence of other instances. Local entries win.
func (a *API) RoomPresenceHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	entries := make(map[string]presence.Entry)
	if a.presence != nil {
		ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
		defer cancel()
		remote, err := a.presence.RoomPresence(ctx, roomID)
		if err != nil {
			a.log.Warn("Failed to read mirrored presence", zap.String("room", roomID), zap.Error(err))
		}
		for id, e := range remote {
			entries[id] = e
		}
	}

	if coord, ok := a.registry.Get(roomID); ok {
		for id, e := range coord.Presence() {
			entries[id] = e
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id":  roomID,
		"presence": entries,
		"count":    len(entries),
	})
}

func (a *API) RoomDocumentHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	records, seq, live, err := a.document(ctx, roomID)
	if err != nil {
		a.internalError(w, "Failed to load document", err)
		return
	}
	if records == nil {
		records = []document.Record{}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id":  roomID,
		"live":     live,
		"sequence": seq,
		"document": records,
	})
}

func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms")

	// /api/rooms or /api/rooms/
	if path == "" || path == "/" {
		switch r.Method {
		case http.MethodGet:
			a.ListRoomsHandler(w, r)
		case http.MethodPost:
			a.CreateRoomHandler(w, r)
		default:
			a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// /api/rooms/{id}[/presence|/document]
	parts := strings.Split(strings.Trim(path, "/"), "/")
	roomID := parts[0]
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "presence":
			a.RoomPresenceHandler(w, r, roomID)
			return
		case "document":
			a.RoomDocumentHandler(w, r, roomID)
			return
		}
	}
	if len(parts) > 1 {
		a.errorResponse(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.GetRoomHandler(w, r, roomID)
	case http.MethodDelete:
		a.DeleteRoomHandler(w, r, roomID)
	default:
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// Version handlers

type CreateVersionRequest struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
	IsAuto      bool   `json:"is_auto"`
}

type VersionResponse struct {
	ID          int               `json:"id"`
	RoomID      string            `json:"room_id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Document    []document.Record `json:"document,omitempty"` // Omit in list view
	ContentHash string            `json:"content_hash"`
	Sequence    uint64            `json:"sequence"`
	ObjectCount int               `json:"object_count"`
	CreatedBy   string            `json:"created_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	IsAuto      bool              `json:"is_auto"`
}

func versionResponse(v *db.Version) VersionResponse {
	return VersionResponse{
		ID:          v.ID,
		RoomID:      v.RoomID,
		Name:        v.Name,
		Description: v.Description,
		ContentHash: v.ContentHash,
		Sequence:    v.Sequence,
		ObjectCount: v.ObjectCount,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
}

func versionID(r *http.Request, suffix string) (int, error) {
	path := strings.TrimPrefix(r.URL.Path, "/api/versions/")
	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), suffix)
	return strconv.Atoi(path)
}

// ListVersionsHandler returns all versions for a room
func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	limit, offset := pagination(r, 50)

	versions, err := a.database.ListVersions(roomID, limit, offset)
	if err != nil {
		a.internalError(w, "Failed to list versions", err)
		return
	}

	response := make([]VersionResponse, len(versions))
	for i := range versions {
		response[i] = versionResponse(&versions[i])
	}

	total, _ := a.database.GetVersionCount(roomID)

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// CreateVersionHandler captures the current document of a room
func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RoomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	records, seq, live, err := a.document(ctx, req.RoomID)
	if err != nil {
		a.internalError(w, "Failed to load document", err)
		return
	}
	if !live {
		room, err := a.database.GetRoom(req.RoomID)
		if err != nil {
			a.internalError(w, "Failed to get room", err)
			return
		}
		if room == nil {
			a.errorResponse(w, http.StatusNotFound, "Room not found")
			return
		}
	}

	// Generate name if not provided
	if req.Name == "" {
		if req.IsAuto {
			req.Name = fmt.Sprintf("Auto-save %s", time.Now().Format("Jan 2, 3:04 PM"))
		} else {
			req.Name = fmt.Sprintf("Version %s", time.Now().Format("Jan 2, 3:04 PM"))
		}
	}

	// Skip duplicate auto-saves (same content hash as latest)
	if req.IsAuto {
		content, err := document.MarshalSnapshot(records)
		if err != nil {
			a.internalError(w, "Failed to encode document", err)
			return
		}
		latest, err := a.database.GetLatestVersion(req.RoomID)
		if err == nil && latest != nil && latest.ContentHash == db.ContentHash(content) {
			a.jsonResponse(w, http.StatusOK, versionResponse(latest))
			return
		}
	}

	version, err := a.database.CreateVersion(
		req.RoomID, req.Name, req.Description, records, seq, req.CreatedBy, req.IsAuto,
	)
	if err != nil {
		a.internalError(w, "Failed to create version", err)
		return
	}

	if req.IsAuto {
		if err := a.database.DeleteOldAutoVersions(req.RoomID, keepAutoVersions); err != nil {
			a.log.Warn("Failed to clean up old auto versions", zap.String("room", req.RoomID), zap.Error(err))
		}
	}

	a.jsonResponse(w, http.StatusCreated, versionResponse(version))
}

// GetVersionHandler retrieves a specific version with its document
func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := versionID(r, "")
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.database.GetVersion(id)
	if err != nil {
		a.internalError(w, "Failed to get version", err)
		return
	}

	if version == nil {
		a.errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	records, err := version.Records()
	if err != nil {
		a.internalError(w, "Failed to decode version", err)
		return
	}

	response := versionResponse(version)
	response.Document = records
	a.jsonResponse(w, http.StatusOK, response)
}

// DeleteVersionHandler removes a version
func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := versionID(r, "")
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	if err := a.database.DeleteVersion(id); err != nil {
		a.internalError(w, "Failed to delete version", err)
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Version deleted"})
}

// DiffVersionsHandler reports per-object changes between two versions
func (a *API) DiffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	fromID, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid 'from' version ID")
		return
	}

	toID, err := strconv.Atoi(r.URL.Query().Get("to"))
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid 'to' version ID")
		return
	}

	fromVersion, err := a.database.GetVersion(fromID)
	if err != nil || fromVersion == nil {
		a.errorResponse(w, http.StatusNotFound, "From version not found")
		return
	}

	toVersion, err := a.database.GetVersion(toID)
	if err != nil || toVersion == nil {
		a.errorResponse(w, http.StatusNotFound, "To version not found")
		return
	}

	fromRecords, err := fromVersion.Records()
	if err != nil {
		a.internalError(w, "Failed to decode version", err)
		return
	}
	toRecords, err := toVersion.Records()
	if err != nil {
		a.internalError(w, "Failed to decode version", err)
		return
	}

	diff := document.Diff(fromRecords, toRecords)
	summary := map[document.ChangeType]int{
		document.ChangeAdded:     0,
		document.ChangeRemoved:   0,
		document.ChangeModified:  0,
		document.ChangeUnchanged: 0,
	}
	for _, d := range diff {
		summary[d.Type]++
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"from":    versionResponse(fromVersion),
		"to":      versionResponse(toVersion),
		"diff":    diff,
		"summary": summary,
	})
}

// RestoreVersionHandler records a copy of an old version as the newest one.
// The live room is not touched; clients load it explicitly.
func (a *API) RestoreVersionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := versionID(r, "/restore")
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.database.GetVersion(id)
	if err != nil {
		a.internalError(w, "Failed to get version", err)
		return
	}

	if version == nil {
		a.errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	records, err := version.Records()
	if err != nil {
		a.internalError(w, "Failed to decode version", err)
		return
	}

	newVersion, err := a.database.CreateVersion(
		version.RoomID,
		fmt.Sprintf("Restored from: %s", version.Name),
		fmt.Sprintf("Restored to version %d (%s)", version.ID, version.Name),
		records,
		version.Sequence,
		"",
		false,
	)
	if err != nil {
		a.internalError(w, "Failed to create restore version", err)
		return
	}

	response := versionResponse(newVersion)
	response.Document = records
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message":       "Version restored",
		"restored_from": version.ID,
		"version":       response,
	})
}

func (a *API) VersionsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/versions")

	// /api/versions or /api/versions/
	if path == "" || path == "/" {
		switch r.Method {
		case http.MethodGet:
			a.ListVersionsHandler(w, r)
		case http.MethodPost:
			a.CreateVersionHandler(w, r)
		default:
			a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// /api/versions/diff
	if strings.HasPrefix(path, "/diff") {
		a.DiffVersionsHandler(w, r)
		return
	}

	// /api/versions/{id}/restore
	if strings.HasSuffix(strings.TrimSuffix(path, "/"), "/restore") {
		a.RestoreVersionHandler(w, r)
		return
	}

	// /api/versions/{id}
	switch r.Method {
	case http.MethodGet:
		a.GetVersionHandler(w, r)
	case http.MethodDelete:
		a.DeleteVersionHandler(w, r)
	default:
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
