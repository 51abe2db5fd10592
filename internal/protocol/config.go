package protocol

// Defaults for the injectable client configuration.
const (
	DefaultDisplayElementID    = "liveuser"
	DefaultTotalCountElementID = "liveuser-total"
	DefaultReconnectDelayMS    = 3000
)

// ClientConfig is what the server injects into the generated script and what a
// client session is started with.
type ClientConfig struct {
	ServerURL           string `json:"serverUrl" yaml:"server_url"`
	SiteID              string `json:"siteId" yaml:"site_id"`
	DisplayElementID    string `json:"displayElementId" yaml:"display_element_id"`
	TotalCountElementID string `json:"totalCountElementId" yaml:"total_count_element_id"`
	ReconnectDelay      int    `json:"reconnectDelay" yaml:"reconnect_delay"`
	Debug               bool   `json:"debug" yaml:"debug"`
	EnableTotalCount    bool   `json:"enableTotalCount" yaml:"enable_total_count"`
}

// ApplyDefaults fills empty fields. Debug and EnableTotalCount are left alone
// since false is meaningful for both.
func (c *ClientConfig) ApplyDefaults() {
	if c.SiteID == "" {
		c.SiteID = DefaultSiteID
	}
	if c.DisplayElementID == "" {
		c.DisplayElementID = DefaultDisplayElementID
	}
	if c.TotalCountElementID == "" {
		c.TotalCountElementID = DefaultTotalCountElementID
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelayMS
	}
}
