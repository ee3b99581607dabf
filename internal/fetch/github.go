package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/harvestq/harvestq/internal/model"
)

const rateLimitRemainingHeader = "X-RateLimit-Remaining"

// GithubPageable loads one page of a GitHub-style list endpoint per call.
// Pagination state travels in the LoadContext; the queue persists it
// between calls as serialized params.
type GithubPageable struct {
	NopHooks

	client  *resty.Client
	token   string
	perPage int
	objType string
	baseURL string

	rawHeaders string
	rawParams  string
	tokenID    int64
	procID     string
	log        zerolog.Logger
}

func NewGithubPageable(client *resty.Client, token string, perPage int, objType, url, headers, params string, tokenID int64, procID string, log zerolog.Logger) *GithubPageable {
	return &GithubPageable{
		client:     client,
		token:      token,
		perPage:    perPage,
		objType:    objType,
		baseURL:    url,
		rawHeaders: headers,
		rawParams:  params,
		tokenID:    tokenID,
		procID:     procID,
		log:        log,
	}
}

func (b *GithubPageable) InitialContext() *LoadContext {
	params, err := b.params(0)
	if err != nil {
		b.log.Error().Err(err).Str("url", b.baseURL).Msg("stored params are not valid JSON")
		return nil
	}
	headers, err := b.headers()
	if err != nil {
		b.log.Error().Err(err).Str("url", b.baseURL).Msg("stored headers are not valid JSON")
		return nil
	}
	return &LoadContext{
		URL:       b.baseURL,
		Params:    params,
		Headers:   headers,
		Page:      pageOf(params),
		Remaining: -1,
		TokenID:   b.tokenID,
		ProcID:    b.procID,
	}
}

func (b *GithubPageable) Load(ctx context.Context, lc *LoadContext, audit *model.Loading) (*LoadResult, error) {
	url := audit.URL + QueryString(lc.Params)

	resp, err := b.client.R().
		SetContext(ctx).
		SetHeaders(lc.Headers).
		Get(url)
	if err != nil {
		return nil, err
	}

	status := resp.StatusCode()
	remaining := remainingLimit(resp)

	var items []json.RawMessage
	if status < 400 {
		if err := json.Unmarshal(resp.Body(), &items); err != nil {
			return nil, fmt.Errorf("parse response body: %w", err)
		}
	}

	b.log.Info().
		Int64("token_id", lc.TokenID).
		Str("proc_uuid", lc.ProcID).
		Str("type", b.objType).
		Int("status", status).
		Int("page", lc.Page).
		Int("count", len(items)).
		Int("limit", remaining).
		Str("url", url).
		Msg("page loaded")

	if remaining <= 0 {
		b.log.Warn().Int64("token_id", lc.TokenID).Msg("token quota exhausted")
	}

	res := &LoadResult{
		Items:       items,
		Context:     lc,
		Status:      status,
		RespHeaders: flattenHeaders(resp),
		Body:        string(resp.Body()),
	}
	if !b.isLastPage(len(items), status) {
		next, err := b.params(b.nextPage(lc.Page, status))
		if err != nil {
			return nil, err
		}
		headers, err := b.headers()
		if err != nil {
			return nil, err
		}
		res.Next = &LoadContext{
			URL:       b.baseURL,
			Params:    next,
			Headers:   headers,
			Page:      pageOf(next),
			Remaining: -1,
		}
	}
	return res, nil
}

func (b *GithubPageable) HandleError(lc *LoadContext, err error, audit *model.Loading) *LoadResult {
	b.log.Error().
		Err(err).
		Str("url", lc.URL).
		Int64("loading_id", audit.ID).
		Msg("load failed")
	return endResult(lc)
}

// nextPage advances only on a readable response; an error status retries
// the same page.
func (b *GithubPageable) nextPage(current, status int) int {
	if status < 400 {
		return current + 1
	}
	return current
}

func (b *GithubPageable) isLastPage(count, status int) bool {
	if count < b.perPage && status < 400 {
		return true
	}
	return status == 404
}

// params decodes the stored request params, overriding the page number
// when page > 0.
func (b *GithubPageable) params(page int) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(b.rawParams), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	if page > 0 {
		out["page"] = page
	}
	return out, nil
}

// headers decodes the stored request headers and injects authorization
// from the token secret.
func (b *GithubPageable) headers() (map[string]string, error) {
	var out map[string]string
	if err := json.Unmarshal([]byte(b.rawHeaders), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]string{}
	}
	out["Authorization"] = "token " + b.token
	return out, nil
}

func remainingLimit(resp *resty.Response) int {
	v := resp.Header().Get(rateLimitRemainingHeader)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func flattenHeaders(resp *resty.Response) map[string]string {
	out := make(map[string]string, len(resp.Header()))
	for k := range resp.Header() {
		out[k] = resp.Header().Get(k)
	}
	return out
}

func pageOf(params map[string]interface{}) int {
	switch v := params["page"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 1
	}
}

// QueryString renders params as ?k=v&... with deterministic key order.
// Values are appended verbatim, matching what the upstream API expects
// for the plain numeric and keyword params used here.
func QueryString(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+paramValue(params[k]))
	}
	return "?" + strings.Join(parts, "&")
}

func paramValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
