package config

import (
	"fmt"

	"github.com/sergeknystautas/specmux/pkg/urlutil"
)

// DeriveURLs recomputes the URL fields from the current port and baseUrl.
// Called again by the orchestrator when the session server assigns a port
// the settings did not pin.
func DeriveURLs(s *Snapshot) {
	if s.Port == 0 {
		s.ProxyURL = ""
		s.BrowserURL = ""
		s.ReporterURL = ""
		return
	}
	s.ProxyURL = fmt.Sprintf("http://localhost:%d", s.Port)
	if s.BaseURL != "" {
		s.BrowserURL = urlutil.CollapseSlashes(s.BaseURL + "/__/")
	} else {
		s.BrowserURL = s.ProxyURL + "/__/"
	}
	s.ReporterURL = s.ProxyURL + "/__specmux/reporter"
}
