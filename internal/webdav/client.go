// Package webdav implements the directory lister over WebDAV PROPFIND.
package webdav

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"davscan/internal/config"
)

// ErrNotFound reports that the remote path does not exist, even after
// retrying with the trailing slash toggled.
var ErrNotFound = errors.New("webdav: path not found")

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <d:getetag/>
  </d:prop>
</d:propfind>`

// Client issues PROPFIND requests against a WebDAV base address.
type Client struct {
	base     *url.URL
	username string
	password string
	http     *http.Client
	log      *logrus.Logger
}

// New creates a client from the WebDAV configuration. A nil logger
// defaults to a fresh one.
func New(cfg config.WebDAVConfig, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.New()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}

	return &Client{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		log: log,
	}, nil
}

// List returns the immediate children of path via a Depth 1 PROPFIND.
// The entry for path itself is filtered out of the result.
func (c *Client) List(ctx context.Context, path string) ([]Resource, error) {
	resources, err := c.propfind(ctx, path, 1)
	if err != nil {
		return nil, err
	}

	norm := config.NormalizePath(path)
	children := make([]Resource, 0, len(resources))
	for _, r := range resources {
		if config.NormalizePath(r.Path) == norm {
			continue
		}
		children = append(children, r)
	}
	return children, nil
}

// Stat returns the resource at path itself via a Depth 0 PROPFIND.
func (c *Client) Stat(ctx context.Context, path string) (Resource, error) {
	resources, err := c.propfind(ctx, path, 0)
	if err != nil {
		return Resource{}, err
	}
	if len(resources) == 0 {
		return Resource{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	}
	return resources[0], nil
}

// propfind runs the request, recovering from 404 in two steps: once
// with the trailing slash toggled, then once more at Depth 0 on the
// toggled URL before giving up. Some servers are strict about
// collection hrefs ending in a slash, and some only answer Depth 0
// for certain collections.
func (c *Client) propfind(ctx context.Context, path string, depth int) ([]Resource, error) {
	body, err := c.do(ctx, c.join(path), depth)
	if errors.Is(err, ErrNotFound) {
		alt := c.join(path)
		if strings.HasSuffix(alt, "/") {
			alt = strings.TrimRight(alt, "/")
		} else {
			alt += "/"
		}
		c.log.Debugf("PROPFIND 404, retrying as %s", alt)
		body, err = c.do(ctx, alt, depth)
		if errors.Is(err, ErrNotFound) && depth != 0 {
			c.log.Debugf("PROPFIND 404 again, last try at depth 0")
			body, err = c.do(ctx, alt, 0)
		}
	}
	if err != nil {
		return nil, err
	}
	return c.parseMultistatus(body)
}

func (c *Client) do(ctx context.Context, rawURL string, depth int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", rawURL, strings.NewReader(propfindBody))
	if err != nil {
		return nil, fmt.Errorf("building PROPFIND request: %w", err)
	}
	req.Header.Set("Depth", strconv.Itoa(depth))
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	c.log.Debugf("PROPFIND depth=%d %s", depth, rawURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("PROPFIND %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("PROPFIND %s: %w", rawURL, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("PROPFIND %s: unexpected status %s", rawURL, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading PROPFIND response: %w", err)
	}
	return data, nil
}

// join builds the request URL for a WebDAV path under the base address.
func (c *Client) join(p string) string {
	u := *c.base
	u.Path = c.base.Path + config.NormalizePath(p)
	return u.String()
}

type multistatus struct {
	Responses []msResponse `xml:"response"`
}

type msResponse struct {
	Href string `xml:"href"`
	Prop msProp `xml:"propstat>prop"`
}

type msProp struct {
	ResourceType  msResourceType `xml:"resourcetype"`
	ContentLength string         `xml:"getcontentlength"`
	LastModified  string         `xml:"getlastmodified"`
	ETag          string         `xml:"getetag"`
}

type msResourceType struct {
	Collection *struct{} `xml:"collection"`
}

func (c *Client) parseMultistatus(data []byte) ([]Resource, error) {
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("parsing multistatus response: %w", err)
	}

	resources := make([]Resource, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		if r.Href == "" {
			continue
		}

		var size int64
		if r.Prop.ContentLength != "" {
			size, _ = strconv.ParseInt(strings.TrimSpace(r.Prop.ContentLength), 10, 64)
		}

		var modTime time.Time
		if lm := strings.TrimSpace(r.Prop.LastModified); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				modTime = t
			}
		}

		resources = append(resources, Resource{
			Path:    c.hrefToPath(r.Href),
			IsDir:   r.Prop.ResourceType.Collection != nil,
			Size:    size,
			ModTime: modTime,
			ETag:    strings.Trim(r.Prop.ETag, `"`),
		})
	}
	return resources, nil
}

// hrefToPath strips the base address prefix and percent-decoding from a
// multistatus href, so downstream comparisons run on plain paths.
func (c *Client) hrefToPath(href string) string {
	p := href
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		p = u.Path // already percent-decoded
	} else if decoded, err := url.PathUnescape(href); err == nil {
		p = decoded
	}
	if c.base.Path != "" && strings.HasPrefix(p, c.base.Path) {
		p = p[len(c.base.Path):]
	}
	return config.NormalizePath(p)
}
