// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hdhr emulates an HDHomeRun network tuner so that media servers such
// as Plex or Jellyfin can discover webtuner and tune its channels directly.
package hdhr

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/ManuGH/webtuner/internal/config"
	"github.com/ManuGH/webtuner/internal/version"
)

// Config holds HDHomeRun emulation configuration
type Config struct {
	DeviceID     string
	FriendlyName string
	ModelName    string
	FirmwareName string
	BaseURL      string
	TunerCount   int
	Logger       zerolog.Logger
}

// ConfigFrom derives the emulation settings from the application config.
// Every tuner maps to one concurrent stream.
func ConfigFrom(cfg config.Config, logger zerolog.Logger) Config {
	return Config{
		DeviceID:     cfg.HDHR.DeviceID,
		FriendlyName: cfg.HDHR.FriendlyName,
		BaseURL:      cfg.BaseURL,
		TunerCount:   cfg.Streams.MaxConcurrent,
		Logger:       logger,
	}
}

// Lineup returns the channels currently offered.
type Lineup func() []config.Channel

// Server implements HDHomeRun API endpoints
type Server struct {
	config Config
	lineup Lineup
	logger zerolog.Logger
}

// NewServer creates a new HDHomeRun emulation server
func NewServer(cfg Config, lineup Lineup) *Server {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "WEBTUNR1"
	}
	if cfg.FriendlyName == "" {
		cfg.FriendlyName = "webtuner"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "HDHR-webtuner"
	}
	if cfg.FirmwareName == "" {
		cfg.FirmwareName = "webtuner-" + version.Version
	}
	if cfg.TunerCount <= 0 {
		cfg.TunerCount = 4
	}
	if lineup == nil {
		lineup = func() []config.Channel { return nil }
	}

	return &Server{
		config: cfg,
		lineup: lineup,
		logger: cfg.Logger,
	}
}

// DiscoverResponse represents HDHomeRun discovery response
type DiscoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// LineupStatus represents tuner status
type LineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// LineupEntry represents a channel in the lineup
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

func (s *Server) baseURL(r *http.Request) string {
	if s.config.BaseURL != "" {
		return s.config.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// StreamURL is the held-connection URL a tuner client opens for ch.
// Numbered channels use the HDHomeRun /auto/v path.
func StreamURL(base string, ch config.Channel) string {
	if ch.Number != "" {
		return base + "/auto/v" + url.PathEscape(ch.Number)
	}
	return base + "/streams/" + url.PathEscape(ch.Key) + "/stream.ts"
}

// HandleDiscover handles /discover.json endpoint
func (s *Server) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	baseURL := s.baseURL(r)

	response := DiscoverResponse{
		FriendlyName:    s.config.FriendlyName,
		ModelNumber:     s.config.ModelName,
		FirmwareName:    s.config.FirmwareName,
		FirmwareVersion: version.Version,
		DeviceID:        s.config.DeviceID,
		DeviceAuth:      "webtuner",
		BaseURL:         baseURL,
		LineupURL:       baseURL + "/lineup.json",
		TunerCount:      s.config.TunerCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode discovery response")
		return
	}

	s.logger.Debug().
		Str("endpoint", "/discover.json").
		Str("device_id", s.config.DeviceID).
		Msg("HDHomeRun discovery request")
}

// HandleLineupStatus handles /lineup_status.json endpoint
func (s *Server) HandleLineupStatus(w http.ResponseWriter, r *http.Request) {
	response := LineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// HandleLineup handles /lineup.json endpoint
func (s *Server) HandleLineup(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	channels := s.lineup()
	lineup := make([]LineupEntry, 0, len(channels))
	for _, ch := range channels {
		number := ch.Number
		if number == "" {
			number = ch.Key
		}
		name := ch.Name
		if name == "" {
			name = ch.Key
		}
		lineup = append(lineup, LineupEntry{
			GuideNumber: number,
			GuideName:   name,
			URL:         StreamURL(base, ch),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(lineup); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode lineup")
		return
	}

	s.logger.Debug().
		Int("channels", len(lineup)).
		Msg("HDHomeRun lineup request")
}

// HandleLineupPost handles POST /lineup.json (Plex scan)
func (s *Server) HandleLineupPost(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scan") == "start" {
		s.logger.Info().Msg("HDHomeRun channel scan started (simulated)")
	}
	w.WriteHeader(http.StatusNoContent)
}

type deviceRoot struct {
	XMLName     xml.Name   `xml:"root"`
	Xmlns       string     `xml:"xmlns,attr"`
	SpecVersion specVer    `xml:"specVersion"`
	URLBase     string     `xml:"URLBase"`
	Device      deviceDesc `xml:"device"`
}

type specVer struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type deviceDesc struct {
	DeviceType   string `xml:"deviceType"`
	FriendlyName string `xml:"friendlyName"`
	Manufacturer string `xml:"manufacturer"`
	ModelName    string `xml:"modelName"`
	ModelNumber  string `xml:"modelNumber"`
	SerialNumber string `xml:"serialNumber"`
	UDN          string `xml:"UDN"`
}

// HandleDeviceXML handles /device.xml, the UPnP description some clients
// fetch before discover.json.
func (s *Server) HandleDeviceXML(w http.ResponseWriter, r *http.Request) {
	doc := deviceRoot{
		Xmlns:       "urn:schemas-upnp-org:device-1-0",
		SpecVersion: specVer{Major: 1},
		URLBase:     s.baseURL(r),
		Device: deviceDesc{
			DeviceType:   "urn:schemas-upnp-org:device:MediaServer:1",
			FriendlyName: s.config.FriendlyName,
			Manufacturer: "Silicondust",
			ModelName:    s.config.ModelName,
			ModelNumber:  s.config.ModelName,
			SerialNumber: s.config.DeviceID,
			UDN:          "uuid:" + s.config.DeviceID,
		},
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode device description")
	}
}
