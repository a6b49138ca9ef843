package activity

import (
	"net/url"
	"strings"
)

const uiPath = "/swg/ui/v1"

// ClientName is the "_client" argument surfaces use to identify the runtime.
func ClientName(version string) string {
	if version == "" {
		version = "0.0.0"
	}
	return "SwG " + version
}

// FrontendURL builds the address of a surface served under frontend.
func FrontendURL(frontend, path string, params map[string]string) string {
	return AddQueryParams(strings.TrimRight(frontend, "/")+uiPath+path, params, true)
}

// AddQueryParams adds params to raw. Existing parameters are replaced only
// when overwrite is set.
func AddQueryParams(raw string, params map[string]string, overwrite bool) string {
	if len(params) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, v := range params {
		if !overwrite && q.Has(k) {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
