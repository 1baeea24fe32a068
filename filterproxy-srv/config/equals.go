package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.BlocklistFile != b.BlocklistFile ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.TunnelIdleSecs != b.TunnelIdleSecs ||
		a.MaxHeaderBytes != b.MaxHeaderBytes ||
		a.AccessLogFile != b.AccessLogFile ||
		a.ErrorLogFile != b.ErrorLogFile {
		return true
	}
	if a.Metrics != b.Metrics {
		return true
	}
	if a.Dashboard != b.Dashboard {
		return true
	}
	if !forwardEqual(a.Forward, b.Forward) {
		return true
	}
	return false
}

func forwardEqual(a, b *ForwardConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type != b.Type || a.Address != b.Address {
		return false
	}
	return strPtrEqual(a.Username, b.Username) && strPtrEqual(a.Password, b.Password)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
