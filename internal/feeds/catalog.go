package feeds

import (
	"os"
	"sort"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// DefaultTopic is used when no topic, or an unknown one, is requested.
const DefaultTopic = "technology"

// Source is a single RSS or Atom feed.
type Source struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// Catalog holds the feeds configured for each topic and for breaking news.
type Catalog struct {
	defaultTopic string
	topics       map[string][]Source
	breaking     []Source
}

var curatedTopics = map[string][]Source{
	"technology": {
		{Name: "TechCrunch", URL: "https://techcrunch.com/feed/"},
		{Name: "The Verge", URL: "https://www.theverge.com/rss/index.xml"},
		{Name: "Ars Technica", URL: "https://feeds.arstechnica.com/arstechnica/index"},
		{Name: "WIRED", URL: "https://www.wired.com/feed/rss"},
		{Name: "BBC Technology", URL: "http://feeds.bbci.co.uk/news/technology/rss.xml"},
		{Name: "The Guardian Tech", URL: "https://www.theguardian.com/uk/technology/rss"},
	},
	"business": {
		{Name: "Reuters Business", URL: "https://feeds.reuters.com/reuters/businessNews"},
		{Name: "The Guardian Business", URL: "https://www.theguardian.com/uk/business/rss"},
		{Name: "BBC Business", URL: "http://feeds.bbci.co.uk/news/business/rss.xml"},
		{Name: "CNBC", URL: "https://www.cnbc.com/id/10001147/device/rss/rss.html"},
	},
	"sports": {
		{Name: "ESPN", URL: "https://www.espn.com/espn/rss/news"},
		{Name: "BBC Sport", URL: "http://feeds.bbci.co.uk/sport/rss.xml"},
		{Name: "Sky Sports", URL: "https://www.skysports.com/rss/12040"},
		{Name: "The Guardian Sport", URL: "https://www.theguardian.com/uk/sport/rss"},
	},
	"politics": {
		{Name: "Reuters Politics", URL: "https://www.reuters.com/politics/rss"},
		{Name: "BBC Politics", URL: "http://feeds.bbci.co.uk/news/politics/rss.xml"},
		{Name: "The Guardian Politics", URL: "https://www.theguardian.com/politics/rss"},
	},
	"science": {
		{Name: "ScienceDaily", URL: "https://www.sciencedaily.com/rss/top/science.xml"},
		{Name: "BBC Science", URL: "http://feeds.bbci.co.uk/news/science_and_environment/rss.xml"},
		{Name: "The Guardian Science", URL: "https://www.theguardian.com/science/rss"},
		{Name: "Scientific American", URL: "https://www.scientificamerican.com/feed/"},
	},
	"health": {
		{Name: "BBC Health", URL: "http://feeds.bbci.co.uk/news/health/rss.xml"},
		{Name: "Medical News Today", URL: "https://www.medicalnewstoday.com/rss"},
		{Name: "WebMD", URL: "https://www.webmd.com/rss/"},
		{Name: "The Guardian Health", URL: "https://www.theguardian.com/society/health/rss"},
	},
}

var curatedBreaking = []Source{
	{Name: "AP", URL: "https://feedx.net/rss/ap.xml"},
	{Name: "BBC World", URL: "https://feeds.bbci.co.uk/news/world/rss.xml"},
	{Name: "Euronews", URL: "https://www.euronews.com/rss"},
	{Name: "Le Monde", URL: "https://www.lemonde.fr/en/rss/une.xml"},
	{Name: "TIME", URL: "https://time.com/feed/"},
}

// NewCatalog builds a Catalog. Topic names are case-insensitive. If
// defaultTopic is not one of the topics, DefaultTopic is used, or the first
// topic in sorted order when DefaultTopic is missing too.
func NewCatalog(defaultTopic string, topics map[string][]Source, breaking []Source) *Catalog {
	c := &Catalog{
		topics:   make(map[string][]Source, len(topics)),
		breaking: sanitize(breaking),
	}
	for name, sources := range topics {
		name = normalizeTopic(name)
		if name == "" {
			continue
		}
		if s := sanitize(sources); len(s) > 0 {
			c.topics[name] = s
		}
	}
	c.defaultTopic = normalizeTopic(defaultTopic)
	if !c.Valid(c.defaultTopic) {
		c.defaultTopic = DefaultTopic
		if !c.Valid(c.defaultTopic) {
			if names := c.Topics(); len(names) > 0 {
				c.defaultTopic = names[0]
			}
		}
	}
	return c
}

// DefaultCatalog returns the curated topic and breaking news feeds.
func DefaultCatalog(defaultTopic string) *Catalog {
	return NewCatalog(defaultTopic, curatedTopics, curatedBreaking)
}

type catalogFile struct {
	Default  string              `yaml:"default"`
	Topics   map[string][]Source `yaml:"topics"`
	Breaking []Source            `yaml:"breaking"`
}

// LoadCatalog reads a YAML catalogue file. Sections missing from the file keep
// the curated feeds. defaultTopic, when set, overrides the file's default.
func LoadCatalog(path, defaultTopic string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "read catalog")
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "parse catalog %s", path)
	}
	topics, breaking := f.Topics, f.Breaking
	if len(topics) == 0 {
		topics = curatedTopics
	}
	if len(breaking) == 0 {
		breaking = curatedBreaking
	}
	if defaultTopic == "" {
		defaultTopic = f.Default
	}
	c := NewCatalog(defaultTopic, topics, breaking)
	if len(c.topics) == 0 {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "catalog %s has no usable topics", path)
	}
	return c, nil
}

// Default returns the topic served when none is requested.
func (c *Catalog) Default() string { return c.defaultTopic }

// Topics returns the configured topic names in sorted order.
func (c *Catalog) Topics() []string {
	out := make([]string, 0, len(c.topics))
	for name := range c.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Valid reports whether topic is configured.
func (c *Catalog) Valid(topic string) bool {
	_, ok := c.topics[normalizeTopic(topic)]
	return ok
}

// Resolve maps a requested topic to a configured one, falling back to the
// default topic.
func (c *Catalog) Resolve(topic string) string {
	topic = normalizeTopic(topic)
	if c.Valid(topic) {
		return topic
	}
	return c.defaultTopic
}

// Sources returns the feeds for topic, or for the default topic when topic is
// unknown.
func (c *Catalog) Sources(topic string) []Source {
	return append([]Source(nil), c.topics[c.Resolve(topic)]...)
}

// Breaking returns the breaking news feeds.
func (c *Catalog) Breaking() []Source {
	return append([]Source(nil), c.breaking...)
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// sanitize drops sources without a name or URL, and duplicates.
func sanitize(sources []Source) []Source {
	seen := make(map[string]struct{}, len(sources))
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		s.Name, s.URL = strings.TrimSpace(s.Name), strings.TrimSpace(s.URL)
		if s.Name == "" || s.URL == "" {
			continue
		}
		key := s.Name + ":" + s.URL
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
