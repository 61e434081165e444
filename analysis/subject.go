package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"dossio.org/common"
)

// Known source tags. The set is extendable: sources register planner tables
// and handlers at init time, but subject normalization for a new source must
// be added here so cache keys stay canonical.
const (
	SourceScholar     = "scholar"
	SourceGithub      = "github"
	SourceLinkedin    = "linkedin"
	SourceTwitter     = "twitter"
	SourceOpenreview  = "openreview"
	SourceHuggingface = "huggingface"
	SourceYoutube     = "youtube"
)

var (
	scholarIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{12}$`)
	loginPattern     = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)
)

// NormalizeSubject derives the canonical subject key for a source from the
// raw input document. The key is independent of input phrasing: a scholar
// profile URL and a bare scholar id normalize to the same key.
func NormalizeSubject(source string, input map[string]interface{}) (string, error) {
	content, _ := input["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return "", common.NewError(common.KindInputInvalid, "input.content is required")
	}

	switch source {
	case SourceScholar:
		id := content
		if u, err := url.Parse(content); err == nil && u.Host != "" {
			id = u.Query().Get("user")
		}
		if !scholarIDPattern.MatchString(id) {
			return "", common.NewError(common.KindInputInvalid, fmt.Sprintf("not a scholar id: %q", content))
		}
		return "id:" + id, nil

	case SourceGithub, SourceTwitter, SourceHuggingface:
		login := strings.TrimPrefix(content, "@")
		if u, err := url.Parse(content); err == nil && u.Host != "" {
			login = strings.Trim(u.Path, "/")
			if i := strings.IndexByte(login, '/'); i >= 0 {
				login = login[:i]
			}
		}
		login = strings.ToLower(login)
		if !loginPattern.MatchString(login) {
			return "", common.NewError(common.KindInputInvalid, fmt.Sprintf("not a valid login: %q", content))
		}
		return "login:" + login, nil

	case SourceLinkedin:
		slug := content
		if u, err := url.Parse(content); err == nil && u.Host != "" {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) >= 2 && parts[0] == "in" {
				slug = parts[1]
			} else if len(parts) >= 1 {
				slug = parts[len(parts)-1]
			}
		}
		slug = strings.ToLower(strings.TrimSpace(slug))
		if slug == "" {
			return "", common.NewError(common.KindInputInvalid, fmt.Sprintf("not a linkedin profile: %q", content))
		}
		return "slug:" + slug, nil

	case SourceOpenreview:
		id := content
		if u, err := url.Parse(content); err == nil && u.Host != "" {
			id = u.Query().Get("id")
		}
		if id == "" {
			return "", common.NewError(common.KindInputInvalid, fmt.Sprintf("not an openreview id: %q", content))
		}
		return "id:" + id, nil

	case SourceYoutube:
		handle := strings.TrimPrefix(content, "@")
		if u, err := url.Parse(content); err == nil && u.Host != "" {
			handle = strings.TrimPrefix(strings.Trim(u.Path, "/"), "@")
		}
		handle = strings.ToLower(handle)
		if handle == "" {
			return "", common.NewError(common.KindInputInvalid, fmt.Sprintf("not a youtube handle: %q", content))
		}
		return "handle:" + handle, nil

	default:
		return "", common.NewError(common.KindInputInvalid, fmt.Sprintf("unknown source: %q", source))
	}
}

// OptionsHash produces the short hash component of cache keys. Only options
// that change analysis output participate; stream/debug knobs do not.
func OptionsHash(opts Options) string {
	relevant := struct {
		Preview bool `json:"preview"`
	}{Preview: opts.Preview}

	data, _ := json.Marshal(relevant)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// CacheKey builds the deterministic artifact cache key:
//
//	src/<source>/<subject_key>/v<pipeline>/<options_hash>/<kind>
func CacheKey(source, subjectKey, pipelineVersion, optionsHash, kind string) string {
	return fmt.Sprintf("src/%s/%s/v%s/%s/%s", source, subjectKey, pipelineVersion, optionsHash, kind)
}

// ContentHash computes the canonical hash of a card payload. encoding/json
// sorts map keys, so two semantically equal documents hash identically.
func ContentHash(data map[string]interface{}) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// BodyHash canonicalizes a request body for idempotency conflict detection.
func BodyHash(source string, input map[string]interface{}, opts Options) string {
	doc := map[string]interface{}{
		"source":  source,
		"input":   input,
		"options": opts,
	}
	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Fingerprint condenses source-specific observable counters (citations,
// followers, updated timestamps) into a short hash used to detect upstream
// change cheaply.
func Fingerprint(counters map[string]interface{}) string {
	if len(counters) == 0 {
		return ""
	}
	raw, _ := json.Marshal(counters)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
