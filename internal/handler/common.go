package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// paramID parses a positive numeric path parameter.
func paramID(c echo.Context, name string) (uint64, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	return n, err == nil && n > 0
}

// queryInt reads an integer query parameter, falling back to def when it is
// missing or malformed.
func queryInt(c echo.Context, name string, def int) int {
	if n, err := strconv.Atoi(c.QueryParam(name)); err == nil {
		return n
	}
	return def
}

// queryTime reads an RFC3339 query parameter. Missing values yield the zero
// time; malformed ones report ok=false.
func queryTime(c echo.Context, name string) (time.Time, bool) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, err == nil
}

// queryList splits a comma separated query parameter, dropping blanks.
func queryList(c echo.Context, name string) []string {
	var out []string
	for _, p := range strings.Split(c.QueryParam(name), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
