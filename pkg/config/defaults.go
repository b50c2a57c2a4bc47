package config

// demoTenants is the fixed allowlist of demo accounts that may browse the
// graph but are blocked from submitting pipeline jobs.
var demoTenants = []string{
	"demo",
	"demo-readonly",
	"playground",
}

// IsDemoTenant reports whether tenantID is a known demo account.
func (c *Config) IsDemoTenant(tenantID string) bool {
	for _, t := range c.Limits.DemoTenants {
		if t == tenantID {
			return true
		}
	}
	return false
}
