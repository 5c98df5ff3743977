package pubmed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/observability"
	"github.com/helixir/prisma-review-service/internal/papersources"
)

const (
	// DefaultBaseURL is the E-utilities endpoint.
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// DefaultMaxResults is used when neither the search nor the config sets a limit.
	DefaultMaxResults = 100

	// MaxResultsLimit is the largest retmax esearch accepts.
	MaxResultsLimit = 10000

	// fetchBatchSize is how many PMIDs go into one efetch call.
	fetchBatchSize = 200

	// maxResponseBytes caps how much of a response is read.
	maxResponseBytes = 64 << 20

	sourceName = "pubmed"
)

// ErrDisabled is returned by Search on a disabled client.
var ErrDisabled = errors.New("pubmed source is disabled")

// Client implements papersources.CandidateSource for PubMed.
type Client struct {
	config     config.PubMedConfig
	httpClient *papersources.HTTPClient
	metrics    *observability.Metrics
}

var _ papersources.CandidateSource = (*Client)(nil)

// New creates a client. metrics may be nil.
func New(cfg config.PubMedConfig, metrics *observability.Metrics) *Client {
	cfg = withDefaults(cfg)
	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		BurstSize: 1,
		UserAgent: papersources.DefaultUserAgent + " (" + cfg.Tool + ")",
		Source:    sourceName,
	})
	return NewWithHTTPClient(cfg, httpClient, metrics)
}

// NewWithHTTPClient creates a client on top of an existing HTTP client.
func NewWithHTTPClient(cfg config.PubMedConfig, httpClient *papersources.HTTPClient, metrics *observability.Metrics) *Client {
	return &Client{
		config:     withDefaults(cfg),
		httpClient: httpClient,
		metrics:    metrics,
	}
}

func withDefaults(cfg config.PubMedConfig) config.PubMedConfig {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 3
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	return cfg
}

// Name implements papersources.CandidateSource.
func (c *Client) Name() string { return sourceName }

// IsEnabled implements papersources.CandidateSource.
func (c *Client) IsEnabled() bool { return c.config.Enabled }

// Search returns the candidates matching params in PubMed relevance order.
// A query with no usable terms is an empty result, not an error.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	if !c.config.Enabled {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, domain.NewValidationError("query", "must not be empty")
	}

	start := time.Now()
	result := &papersources.SearchResult{
		Candidates: []domain.Candidate{},
		Source:     sourceName,
		NextOffset: params.Offset,
	}

	found, err := c.esearch(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("pubmed search: %w", err)
	}
	result.TotalResults = found.Count

	for _, ids := range batches(found.IDList.IDs, fetchBatchSize) {
		set, err := c.efetch(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("pubmed fetch: %w", err)
		}
		for _, a := range set.Articles {
			result.Candidates = append(result.Candidates, ToCandidate(a))
		}
	}

	result.NextOffset = params.Offset + len(found.IDList.IDs)
	result.HasMore = result.NextOffset < found.Count
	result.SearchDuration = time.Since(start)
	return result, nil
}

func (c *Client) esearch(ctx context.Context, params papersources.SearchParams) (*ESearchResult, error) {
	limit := params.MaxResults
	if limit <= 0 {
		limit = c.config.MaxResults
	}
	limit = min(limit, MaxResultsLimit)

	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("term", params.Query)
	q.Set("retmode", "xml")
	q.Set("sort", "relevance")
	q.Set("usehistory", "n")
	q.Set("retmax", strconv.Itoa(limit))
	if params.Offset > 0 {
		q.Set("retstart", strconv.Itoa(params.Offset))
	}
	if params.DateFrom != nil || params.DateTo != nil {
		q.Set("datetype", "pdat")
		if params.DateFrom != nil {
			q.Set("mindate", params.DateFrom.Format("2006/01/02"))
		}
		if params.DateTo != nil {
			q.Set("maxdate", params.DateTo.Format("2006/01/02"))
		}
	}

	var result ESearchResult
	if err := c.get(ctx, "esearch", q, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, domain.NewExternalAPIError(sourceName, http.StatusOK, result.Error, nil)
	}
	if result.ErrorList != nil && len(result.ErrorList.PhraseNotFound) > 0 && len(result.IDList.IDs) == 0 {
		result.Count = 0
	}
	return &result, nil
}

func (c *Client) efetch(ctx context.Context, pmids []string) (*PubmedArticleSet, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("id", strings.Join(pmids, ","))
	q.Set("retmode", "xml")
	q.Set("rettype", "abstract")

	var set PubmedArticleSet
	if err := c.get(ctx, "efetch", q, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// get calls an E-utility and decodes its XML response into out.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	if c.config.Tool != "" {
		q.Set("tool", c.config.Tool)
	}
	if c.config.Email != "" {
		q.Set("email", c.config.Email)
	}
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}

	u := c.config.BaseURL + "/" + endpoint + ".fcgi?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure(endpoint, "network")
		if ctx.Err() != nil {
			return err
		}
		return domain.NewExternalAPIError(sourceName, 0, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.recordFailure(endpoint, "read")
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, "failed to read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.recordFailure(endpoint, "status_"+strconv.Itoa(resp.StatusCode))
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, truncate(string(body), 512), nil)
	}
	if err := xml.Unmarshal(body, out); err != nil {
		c.recordFailure(endpoint, "parse")
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, "malformed XML response", err)
	}

	if c.metrics != nil {
		c.metrics.RecordSourceRequest(sourceName, endpoint, time.Since(start).Seconds())
	}
	return nil
}

func (c *Client) recordFailure(endpoint, kind string) {
	if c.metrics != nil {
		c.metrics.RecordSourceRequestFailed(sourceName, endpoint, kind)
	}
}

// ToCandidate maps a PubMed record onto an import candidate.
func ToCandidate(a PubmedArticle) domain.Candidate {
	article := a.MedlineCitation.Article

	journal := strings.TrimSpace(article.Journal.Title)
	if journal == "" {
		journal = strings.TrimSpace(article.Journal.ISOAbbreviation)
	}

	return domain.Candidate{
		ExternalID: strings.TrimSpace(a.MedlineCitation.PMID),
		Title:      article.ArticleTitle.String(),
		Authors:    formatAuthors(article.AuthorList),
		Journal:    journal,
		PubDate:    formatPubDate(article.Journal.JournalIssue.PubDate),
		Abstract:   formatAbstract(article.Abstract),
	}
}

// formatAuthors lists personal authors as "ForeName LastName" (or "Initials
// LastName") separated by commas. A group name is used only when the record has
// no personal authors.
func formatAuthors(list *AuthorList) string {
	if list == nil {
		return ""
	}

	var names, groups []string
	for _, a := range list.Authors {
		if a.ValidYN == "N" {
			continue
		}
		switch {
		case a.LastName != "" && a.ForeName != "":
			names = append(names, a.ForeName+" "+a.LastName)
		case a.LastName != "" && a.Initials != "":
			names = append(names, a.Initials+" "+a.LastName)
		case a.LastName != "":
			names = append(names, a.LastName)
		case a.CollectiveName != "":
			groups = append(groups, a.CollectiveName)
		}
	}
	if len(names) == 0 {
		names = groups
	}
	return strings.Join(names, ", ")
}

// formatPubDate renders "Mon YYYY", "YYYY", or the leading year of a MedlineDate.
func formatPubDate(d PubDate) string {
	year := strings.TrimSpace(d.Year)
	if year == "" {
		medline := strings.TrimSpace(d.MedlineDate)
		if len(medline) >= 4 {
			year = medline[:4]
		}
	}
	return strings.TrimSpace(strings.TrimSpace(d.Month) + " " + year)
}

// formatAbstract joins the sections of an abstract. Labelled sections are
// written as "LABEL: text"; unlabelled text comes first.
func formatAbstract(abs *Abstract) string {
	if abs == nil {
		return ""
	}

	var unlabelled, labelled []string
	for _, section := range abs.AbstractTexts {
		text := section.String()
		if text == "" {
			continue
		}
		if section.Label == "" {
			unlabelled = append(unlabelled, text)
			continue
		}
		labelled = append(labelled, strings.ToUpper(section.Label)+": "+text)
	}
	return strings.Join(append(unlabelled, labelled...), " ")
}

func batches(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
