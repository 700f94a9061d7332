package config

// defaultsFor returns the zero-value fill applied after the settings file is
// read. Component testing gets the small 500x500 viewport; e2e keeps the
// classic 1000x660.
func defaultsFor(t TestingType) Snapshot {
	defaults := Snapshot{
		ViewportWidth:     1000,
		ViewportHeight:    660,
		IntegrationFolder: "specs/integration",
		ComponentFolder:   "specs/component",
		FixturesFolder:    "specs/fixtures",
		SupportFile:       "specs/support/index.js",
		PluginsFile:       "specs/plugins/index.js",
		Reporter:          "spec",
	}
	if t == TypeComponent {
		defaults.ViewportWidth = 500
		defaults.ViewportHeight = 500
	}
	return defaults
}
