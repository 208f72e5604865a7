package api

import (
	"net/http"

	"github.com/javi11/nzbd/internal/config"
)

// ProviderAPIResponse sanitizes provider config for API responses
type ProviderAPIResponse struct {
	ID             int    `json:"id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	MaxConnections int    `json:"max_connections"`
	TLS            bool   `json:"tls"`
	InsecureTLS    bool   `json:"insecure_tls"`
	PasswordSet    bool   `json:"password_set"`
	Enabled        bool   `json:"enabled"`
}

// ConfigAPIResponse wraps config.Config with provider passwords masked
type ConfigAPIResponse struct {
	*config.Config
	Providers []ProviderAPIResponse `json:"providers"`
}

func toConfigAPIResponse(cfg *config.Config) *ConfigAPIResponse {
	providers := make([]ProviderAPIResponse, len(cfg.Providers))
	for i, p := range cfg.Providers {
		providers[i] = ProviderAPIResponse{
			ID:             p.ID,
			Host:           p.Host,
			Port:           p.Port,
			Username:       p.Username,
			MaxConnections: p.MaxConnections,
			TLS:            p.TLS,
			InsecureTLS:    p.InsecureTLS,
			PasswordSet:    p.Password != "",
			Enabled:        p.Enabled == nil || *p.Enabled,
		}
	}
	return &ConfigAPIResponse{Config: cfg, Providers: providers}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.configManager.GetConfig().DeepCopy()
	WriteSuccess(w, toConfigAPIResponse(cfg), nil)
}

// handleReloadConfig rereads the config file and notifies registered
// components about the changes.
func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	old := s.configManager.GetConfig()
	reloaded, err := config.LoadConfig(s.configManager.ConfigFile())
	if err != nil {
		WriteInternalError(w, "Failed to reload config", err.Error())
		return
	}
	// Apply through UpdateConfig so change callbacks fire.
	if err := s.configManager.UpdateConfig(reloaded); err != nil {
		WriteInternalError(w, "Failed to apply reloaded config", err.Error())
		return
	}
	s.logger.Info("Configuration reloaded via API",
		"providers_changed", !old.ProvidersEqual(reloaded))
	WriteSuccess(w, map[string]interface{}{"reloaded": true}, nil)
}
