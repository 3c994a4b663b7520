package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"

	"github.com/go-authgate/vakya-cli/filestore"
)

type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cookieFile struct {
	Origin  string        `json:"origin"`
	Cookies []savedCookie `json:"cookies"`
}

// FileJar is a cookie jar whose cookies for one backend URL survive process
// restarts, the way a browser keeps the refresh cookie across reloads.
// Only cookies the backend would send to that URL are saved.
type FileJar struct {
	jar    *cookiejar.Jar
	path   string
	probe  *url.URL
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileJar loads cookies from path. probeURL is the URL whose cookies are
// persisted, normally the backend refresh endpoint.
func NewFileJar(path, probeURL string, logger *slog.Logger) (*FileJar, error) {
	probe, err := url.Parse(probeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &FileJar{jar: jar, path: path, probe: probe, logger: logger}

	var file cookieFile
	err = filestore.ReadJSON(path, &file)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		logger.Warn("ignoring unreadable cookie file", "path", path, "error", err)
	case file.Origin != probe.Scheme+"://"+probe.Host:
		logger.Debug("cookie file belongs to another backend", "origin", file.Origin)
	default:
		cookies := make([]*http.Cookie, 0, len(file.Cookies))
		for _, c := range file.Cookies {
			cookies = append(cookies, &http.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Path:     "/",
				HttpOnly: true,
			})
		}
		jar.SetCookies(probe, cookies)
	}
	return j, nil
}

func (j *FileJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

// SetCookies updates the jar and, when the cookies concern the persisted
// URL's host, rewrites the cookie file.
func (j *FileJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)
	if u.Host != j.probe.Host {
		return
	}
	if err := j.save(); err != nil {
		j.logger.Warn("failed to persist cookies", "path", j.path, "error", err)
	}
}

func (j *FileJar) save() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	current := j.jar.Cookies(j.probe)
	return filestore.UpdateJSON(j.path, func(file *cookieFile) error {
		file.Origin = j.probe.Scheme + "://" + j.probe.Host
		file.Cookies = file.Cookies[:0]
		for _, c := range current {
			file.Cookies = append(file.Cookies, savedCookie{Name: c.Name, Value: c.Value})
		}
		return nil
	})
}
