package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if a.RemoteDriver != "" {
		resp["remote_cache"] = a.RemoteDriver
	}
	a.json(w, http.StatusOK, resp)
}
