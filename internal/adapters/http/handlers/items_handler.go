package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
)

type Item struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ItemsHandler é um recurso de demonstração para os limites por rota.
type ItemsHandler struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]Item
}

func NewItemsHandler() *ItemsHandler {
	return &ItemsHandler{items: make(map[int64]Item)}
}

func (h *ItemsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.nextID++
	item := Item{ID: h.nextID, Name: body.Name}
	h.items[item.ID] = item
	h.mu.Unlock()

	writeJSON(w, http.StatusCreated, item)
}

func (h *ItemsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	item, ok := h.items[id]
	h.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
