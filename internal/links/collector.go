// Package links gathers the sources a finalized message refers to.
package links

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/geistlabs/geistai-sub001/internal/citation"
	"github.com/geistlabs/geistai-sub001/internal/domain"
)

// DefaultFaviconCacheSize is used when New is given a non-positive size.
const DefaultFaviconCacheSize = 512

const faviconService = "https://www.google.com/s2/favicons?sz=32&domain="

var markdownLinkRe = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^\s)]+)\)`)

// Collector builds URL-deduplicated link lists. Favicon URLs are memoized
// per host for the lifetime of the Collector; it is safe for concurrent use.
type Collector struct {
	favicons *lru.Cache
	logger   *slog.Logger
}

// New creates a Collector whose favicon cache holds at most size hosts.
func New(size int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultFaviconCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		// lru.New only fails for non-positive sizes
		panic(err)
	}
	return &Collector{favicons: cache, logger: logger}
}

// Collect walks the message's own citations and links, then each agent
// conversation in order. The first occurrence of a URL wins.
func (c *Collector) Collect(msg *domain.Message) []domain.CollectedLink {
	if msg == nil {
		return nil
	}

	b := builder{c: c, seen: make(map[string]struct{})}
	b.citations(msg.Citations, domain.MainAgent)
	b.markdown(msg.Content, domain.MainAgent)

	for _, ac := range msg.AgentConversations {
		for _, sub := range ac.Messages {
			cites := sub.Citations
			content := sub.Content
			if len(cites) == 0 {
				res := citation.ExtractFor(sub.Content, ac.Agent)
				cites, content = res.Citations, res.Text
			}
			b.citations(cites, ac.Agent)
			b.markdown(content, ac.Agent)
		}
	}

	c.logger.Debug("collected links", "message_id", msg.ID, "count", len(b.out))
	return b.out
}

// Favicon returns the favicon URL for rawURL's host, or "" when the URL has no host.
func (c *Collector) Favicon(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if v, ok := c.favicons.Get(host); ok {
		return v.(string)
	}
	icon := faviconService + url.QueryEscape(host)
	c.favicons.Add(host, icon)
	return icon
}

// CachedHosts reports how many hosts currently have a memoized favicon.
func (c *Collector) CachedHosts() int {
	return c.favicons.Len()
}

type builder struct {
	c    *Collector
	seen map[string]struct{}
	out  []domain.CollectedLink
}

func (b *builder) citations(cites []domain.Citation, agent string) {
	for _, ct := range cites {
		title := ct.Source
		if title == "" {
			title = hostOf(ct.URL)
		}
		b.add(domain.CollectedLink{
			URL:     ct.URL,
			Title:   title,
			Source:  ct.Source,
			Snippet: ct.Snippet,
			Agent:   agent,
			Type:    domain.LinkCitation,
		})
	}
}

func (b *builder) markdown(content, agent string) {
	for _, m := range markdownLinkRe.FindAllStringSubmatch(content, -1) {
		b.add(domain.CollectedLink{
			URL:    m[2],
			Title:  strings.TrimSpace(m[1]),
			Source: hostOf(m[2]),
			Agent:  agent,
			Type:   domain.LinkPlain,
		})
	}
}

func (b *builder) add(link domain.CollectedLink) {
	if link.URL == "" {
		return
	}
	if _, dup := b.seen[link.URL]; dup {
		return
	}
	b.seen[link.URL] = struct{}{}
	link.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(link.URL)).String()
	link.Favicon = b.c.Favicon(link.URL)
	b.out = append(b.out, link)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
