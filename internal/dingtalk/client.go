package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/internal/observability/metrics"
	"github.com/yourorg/orgbridge/internal/reliability/retry"
)

// Department is a remote department summary
type Department struct {
	RemoteID  string
	ParentID  string // empty for root departments
	Name      string
	SortOrder int
}

// Member is a remote directory member
type Member struct {
	UserID  string
	UnionID string
	Name    string
	Title   string
	Mobile  string
	Email   string
	DeptIDs []string
	Leader  bool
	Active  bool
}

// MemberPage is one page of a department's member listing
type MemberPage struct {
	Members    []Member
	NextCursor int64
	HasMore    bool
}

// UserIdentity is the remote identity resolved during QR login
type UserIdentity struct {
	UnionID string
	Nick    string
	Mobile  string
}

// SendMessageRequest addresses a work-notification push
type SendMessageRequest struct {
	UserIDs []string
	DeptIDs []string
	ToAll   bool
	Msg     json.RawMessage // platform message payload, e.g. {"msgtype":"text",...}
}

// Options configures the remote API client
type Options struct {
	BaseURL           string
	NewAPIBaseURL     string
	TokenSafetyMargin time.Duration
	RatePerSecond     float64
	RateBurst         int
	Retry             *retry.Config
	HTTPClient        *http.Client
}

// Client is a stateless typed wrapper over the remote directory API.
// Every call obtains a valid token first; an auth-rejected response
// forces exactly one token refresh and one retry; throttle failures are
// retried with bounded exponential backoff.
type Client struct {
	http       *http.Client
	baseURL    string
	newAPIBase string
	tokens     *Tokens
	limiter    *rate.Limiter
	retryCfg   *retry.Config
	logger     *slog.Logger
}

// NewClient creates a remote API client
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	retryCfg := opts.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	retryCfg.Retryable = IsRateLimited

	ratePerSec := opts.RatePerSecond
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = int(ratePerSec) * 2
	}

	margin := opts.TokenSafetyMargin
	if margin <= 0 {
		margin = 5 * time.Minute
	}

	c := &Client{
		http:       httpClient,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		newAPIBase: strings.TrimSuffix(opts.NewAPIBaseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		retryCfg:   retryCfg,
		logger:     logger,
	}
	c.tokens = NewTokens(c, margin, logger)
	return c
}

// Tokens exposes the token cache, mainly for tests and diagnostics
func (c *Client) Tokens() *Tokens { return c.tokens }

// apiResult lets the shared call path inspect the remote error envelope
type apiResult interface {
	apiError() *APIError
}

// baseResult is the {errcode, errmsg} envelope every legacy endpoint uses
type baseResult struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (r *baseResult) apiError() *APIError {
	if r.ErrCode == 0 {
		return nil
	}
	return &APIError{Code: r.ErrCode, Message: r.ErrMsg}
}

// IssueToken fetches a fresh application access token. Implements the
// Tokens issuer; callers go through c.tokens.Get instead.
func (c *Client) IssueToken(ctx context.Context, app *domain.AppConfig) (string, time.Time, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", time.Time{}, err
	}

	u := fmt.Sprintf("%s/gettoken?appkey=%s&appsecret=%s",
		c.baseURL, url.QueryEscape(app.AppKey), url.QueryEscape(app.AppSecret))

	var out struct {
		baseResult
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		metrics.ObserveRemoteCall("gettoken", "error")
		return "", time.Time{}, err
	}
	if apiErr := out.apiError(); apiErr != nil {
		metrics.ObserveRemoteCall("gettoken", "error")
		return "", time.Time{}, apiErr
	}

	metrics.ObserveRemoteCall("gettoken", "ok")
	metrics.ObserveTokenRefresh(app.AppKey)
	return out.AccessToken, time.Now().Add(time.Duration(out.ExpiresIn) * time.Second), nil
}

// ListSubDepartmentIDs returns the direct children of a department
func (c *Client) ListSubDepartmentIDs(ctx context.Context, app *domain.AppConfig, parentID string) ([]string, error) {
	id, err := parseRemoteID(parentID)
	if err != nil {
		return nil, err
	}

	var out struct {
		baseResult
		Result struct {
			DeptIDList []int64 `json:"dept_id_list"`
		} `json:"result"`
	}
	if err := c.invoke(ctx, app, "/topapi/v2/department/listsubid", map[string]any{"dept_id": id}, &out); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(out.Result.DeptIDList))
	for _, child := range out.Result.DeptIDList {
		ids = append(ids, strconv.FormatInt(child, 10))
	}
	return ids, nil
}

// DepartmentDetail fetches one department
func (c *Client) DepartmentDetail(ctx context.Context, app *domain.AppConfig, deptID string) (*Department, error) {
	id, err := parseRemoteID(deptID)
	if err != nil {
		return nil, err
	}

	var out struct {
		baseResult
		Result struct {
			DeptID   int64  `json:"dept_id"`
			ParentID int64  `json:"parent_id"`
			Name     string `json:"name"`
			Order    int    `json:"order"`
		} `json:"result"`
	}
	if err := c.invoke(ctx, app, "/topapi/v2/department/get", map[string]any{"dept_id": id}, &out); err != nil {
		return nil, err
	}

	dept := &Department{
		RemoteID:  strconv.FormatInt(out.Result.DeptID, 10),
		Name:      out.Result.Name,
		SortOrder: out.Result.Order,
	}
	if out.Result.ParentID > 0 {
		dept.ParentID = strconv.FormatInt(out.Result.ParentID, 10)
	}
	return dept, nil
}

type remoteMember struct {
	UserID  string  `json:"userid"`
	UnionID string  `json:"unionid"`
	Name    string  `json:"name"`
	Title   string  `json:"title"`
	Mobile  string  `json:"mobile"`
	Email   string  `json:"email"`
	DeptIDs []int64 `json:"dept_id_list"`
	Leader  bool    `json:"leader"`
	Active  bool    `json:"active"`
}

func (m remoteMember) toMember() Member {
	out := Member{
		UserID:  m.UserID,
		UnionID: m.UnionID,
		Name:    m.Name,
		Title:   m.Title,
		Mobile:  m.Mobile,
		Email:   m.Email,
		Leader:  m.Leader,
		Active:  m.Active,
	}
	for _, id := range m.DeptIDs {
		out.DeptIDs = append(out.DeptIDs, strconv.FormatInt(id, 10))
	}
	return out
}

// DepartmentMembers fetches one page of a department's members. Pages
// are requested sequentially per department via the returned cursor.
func (c *Client) DepartmentMembers(ctx context.Context, app *domain.AppConfig, deptID string, cursor int64, size int) (*MemberPage, error) {
	id, err := parseRemoteID(deptID)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 100
	}

	var out struct {
		baseResult
		Result struct {
			HasMore    bool           `json:"has_more"`
			NextCursor int64          `json:"next_cursor"`
			List       []remoteMember `json:"list"`
		} `json:"result"`
	}
	payload := map[string]any{"dept_id": id, "cursor": cursor, "size": size}
	if err := c.invoke(ctx, app, "/topapi/v2/user/list", payload, &out); err != nil {
		return nil, err
	}

	page := &MemberPage{
		NextCursor: out.Result.NextCursor,
		HasMore:    out.Result.HasMore,
	}
	for _, m := range out.Result.List {
		page.Members = append(page.Members, m.toMember())
	}
	return page, nil
}

// MemberDetail fetches one member by remote user ID
func (c *Client) MemberDetail(ctx context.Context, app *domain.AppConfig, userID string) (*Member, error) {
	var out struct {
		baseResult
		Result remoteMember `json:"result"`
	}
	if err := c.invoke(ctx, app, "/topapi/v2/user/get", map[string]any{"userid": userID}, &out); err != nil {
		return nil, err
	}
	member := out.Result.toMember()
	return &member, nil
}

type mediaUploadResult struct {
	baseResult
	MediaID string `json:"media_id"`
}

// UploadMedia uploads a media file and returns the platform media ID.
// Same treatment as every other legacy call: throttle failures back
// off and retry, an auth rejection forces one token refresh. The
// multipart body is rebuilt for each attempt.
func (c *Client) UploadMedia(ctx context.Context, app *domain.AppConfig, mediaType string, content []byte, filename string) (string, error) {
	var out mediaUploadResult
	_, err := retry.Do(ctx, c.retryCfg, c.logger, "media/upload", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.uploadOnce(ctx, app, mediaType, content, filename, &out)
	})
	if err != nil {
		metrics.ObserveRemoteCall("media/upload", "error")
		return "", err
	}
	metrics.ObserveRemoteCall("media/upload", "ok")
	return out.MediaID, nil
}

func (c *Client) uploadOnce(ctx context.Context, app *domain.AppConfig, mediaType string, content []byte, filename string, out *mediaUploadResult) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	token, _, err := c.tokens.Get(ctx, app)
	if err != nil {
		return err
	}

	if err := c.doUpload(ctx, token, mediaType, content, filename, out); err != nil {
		return err
	}
	apiErr := out.apiError()
	if apiErr == nil {
		return nil
	}

	if isAuthCode(apiErr.Code) {
		c.tokens.Invalidate(app.AppKey)
		token, _, err = c.tokens.Get(ctx, app)
		if err != nil {
			return err
		}
		if err := c.doUpload(ctx, token, mediaType, content, filename, out); err != nil {
			return err
		}
		apiErr = out.apiError()
		if apiErr == nil {
			return nil
		}
		if isAuthCode(apiErr.Code) {
			return &AuthError{Code: apiErr.Code, Message: apiErr.Message}
		}
	}
	return apiErr
}

func (c *Client) doUpload(ctx context.Context, token, mediaType string, content []byte, filename string, out *mediaUploadResult) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("type", mediaType); err != nil {
		return fmt.Errorf("build upload form: %w", err)
	}
	part, err := mw.CreateFormFile("media", filename)
	if err != nil {
		return fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build upload form: %w", err)
	}

	u := fmt.Sprintf("%s/media/upload?access_token=%s&type=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	*out = mediaUploadResult{}
	return c.doRequest(req, out)
}

// SendMessage pushes a work notification and returns the remote task ID
func (c *Client) SendMessage(ctx context.Context, app *domain.AppConfig, msg SendMessageRequest) (string, error) {
	if len(msg.Msg) == 0 {
		return "", fmt.Errorf("message payload is required")
	}
	if !msg.ToAll && len(msg.UserIDs) == 0 && len(msg.DeptIDs) == 0 {
		return "", fmt.Errorf("message needs user or department targets")
	}

	payload := map[string]any{
		"agent_id": app.AgentID,
		"msg":      msg.Msg,
	}
	if msg.ToAll {
		payload["to_all_user"] = true
	} else {
		if len(msg.UserIDs) > 0 {
			payload["userid_list"] = strings.Join(msg.UserIDs, ",")
		}
		if len(msg.DeptIDs) > 0 {
			payload["dept_id_list"] = strings.Join(msg.DeptIDs, ",")
		}
	}

	var out struct {
		baseResult
		TaskID int64 `json:"task_id"`
	}
	if err := c.invoke(ctx, app, "/topapi/message/corpconversation/asyncsend_v2", payload, &out); err != nil {
		return "", err
	}
	return strconv.FormatInt(out.TaskID, 10), nil
}

// UserAccessToken exchanges a one-time auth code for a user access
// token during the QR login flow. Uses the new API surface with its
// {code, message} error convention.
func (c *Client) UserAccessToken(ctx context.Context, app *domain.AppConfig, authCode string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	payload := map[string]string{
		"clientId":     app.AppKey,
		"clientSecret": app.AppSecret,
		"code":         authCode,
		"grantType":    "authorization_code",
	}
	var out struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		AccessToken string `json:"accessToken"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.newAPIBase+"/v1.0/oauth2/userAccessToken", payload, &out); err != nil {
		metrics.ObserveRemoteCall("oauth2/userAccessToken", "error")
		return "", err
	}
	if out.Code != "" {
		metrics.ObserveRemoteCall("oauth2/userAccessToken", "error")
		return "", &APIError{Code: -1, Message: out.Message}
	}
	metrics.ObserveRemoteCall("oauth2/userAccessToken", "ok")
	return out.AccessToken, nil
}

// UserInfo resolves the identity behind a user access token
func (c *Client) UserInfo(ctx context.Context, userAccessToken string) (*UserIdentity, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.newAPIBase+"/v1.0/contact/users/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-acs-dingtalk-access-token", userAccessToken)

	var out struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		UnionID string `json:"unionId"`
		Nick    string `json:"nick"`
		Mobile  string `json:"mobile"`
	}
	if err := c.doRequest(req, &out); err != nil {
		metrics.ObserveRemoteCall("contact/users/me", "error")
		return nil, err
	}
	if out.Code != "" {
		metrics.ObserveRemoteCall("contact/users/me", "error")
		return nil, &APIError{Code: -1, Message: out.Message}
	}
	metrics.ObserveRemoteCall("contact/users/me", "ok")
	return &UserIdentity{UnionID: out.UnionID, Nick: out.Nick, Mobile: out.Mobile}, nil
}

// invoke runs one legacy-API call with rate limiting, token handling
// and throttle retries.
func (c *Client) invoke(ctx context.Context, app *domain.AppConfig, path string, payload any, out apiResult) error {
	_, err := retry.Do(ctx, c.retryCfg, c.logger, path, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.invokeOnce(ctx, app, path, payload, out)
	})
	if err != nil {
		metrics.ObserveRemoteCall(path, "error")
		return err
	}
	metrics.ObserveRemoteCall(path, "ok")
	return nil
}

func (c *Client) invokeOnce(ctx context.Context, app *domain.AppConfig, path string, payload any, out apiResult) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	token, _, err := c.tokens.Get(ctx, app)
	if err != nil {
		return err
	}

	if err := c.doJSON(ctx, http.MethodPost, c.callURL(path, token), payload, out); err != nil {
		return err
	}
	apiErr := out.apiError()
	if apiErr == nil {
		return nil
	}

	if isAuthCode(apiErr.Code) {
		// One forced refresh, one retry, then give up
		c.tokens.Invalidate(app.AppKey)
		token, _, err = c.tokens.Get(ctx, app)
		if err != nil {
			return err
		}
		if err := c.doJSON(ctx, http.MethodPost, c.callURL(path, token), payload, out); err != nil {
			return err
		}
		apiErr = out.apiError()
		if apiErr == nil {
			return nil
		}
		if isAuthCode(apiErr.Code) {
			return &AuthError{Code: apiErr.Code, Message: apiErr.Message}
		}
	}
	return apiErr
}

func (c *Client) callURL(path, token string) string {
	return c.baseURL + path + "?access_token=" + url.QueryEscape(token)
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &APIError{Code: codeThrottled, Message: "http 429"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		// New-API errors arrive as {code, message} with a non-2xx status
		var remote struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &remote) == nil && remote.Code != "" {
			return &APIError{Code: resp.StatusCode, Message: remote.Message}
		}
		return &APIError{Code: resp.StatusCode, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseRemoteID(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid remote department id %q: %w", id, err)
	}
	return v, nil
}
