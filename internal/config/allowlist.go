package config

// Sanitized is the allow-listed subset of the snapshot handed to the plugin
// host. Plugins never see the raw snapshot; internals like the state sub-map
// and provenance stay out of reach.
type Sanitized struct {
	ProjectRoot       string            `json:"projectRoot"`
	TestingType       TestingType       `json:"testingType"`
	Port              int               `json:"port"`
	BaseURL           string            `json:"baseUrl,omitempty"`
	ViewportWidth     int               `json:"viewportWidth"`
	ViewportHeight    int               `json:"viewportHeight"`
	IntegrationFolder string            `json:"integrationFolder"`
	ComponentFolder   string            `json:"componentFolder"`
	FixturesFolder    string            `json:"fixturesFolder"`
	SupportFile       string            `json:"supportFile,omitempty"`
	PluginsFile       string            `json:"pluginsFile,omitempty"`
	Retries           int               `json:"retries"`
	Env               map[string]string `json:"env,omitempty"`
}

// AllowList extracts the plugin-visible subset of a snapshot.
func AllowList(s *Snapshot) Sanitized {
	env := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		env[k] = v
	}
	return Sanitized{
		ProjectRoot:       s.ProjectRoot,
		TestingType:       s.TestingType,
		Port:              s.Port,
		BaseURL:           s.BaseURL,
		ViewportWidth:     s.ViewportWidth,
		ViewportHeight:    s.ViewportHeight,
		IntegrationFolder: s.IntegrationFolder,
		ComponentFolder:   s.ComponentFolder,
		FixturesFolder:    s.FixturesFolder,
		SupportFile:       s.SupportFile,
		PluginsFile:       s.PluginsFile,
		Retries:           s.Retries,
		Env:               env,
	}
}
