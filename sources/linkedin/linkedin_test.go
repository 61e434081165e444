package linkedin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossio.org/analysis"
	"dossio.org/common"
	"dossio.org/fetch"
	"dossio.org/handler"
	"dossio.org/llm"
)

const profilePage = `<html><head>
<meta property="og:title" content="Grace Hopper - Rear Admiral at US Navy | LinkedIn"/>
<meta property="og:description" content="Invented the compiler. COBOL happened."/>
<meta property="og:image" content="https://media.example/grace.jpg"/>
<meta property="og:locale" content="en_US"/>
</head><body>irrelevant</body></html>`

const loginWall = `<html><head><title>Sign in</title></head><body></body></html>`

type stubPages struct {
	body []byte
	err  error
}

func (s *stubPages) Get(ctx context.Context, url string) (*fetch.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &fetch.Response{Status: 200, Body: s.body}, nil
}

func linkedinJob() *analysis.Job {
	return &analysis.Job{
		ID:         "j1",
		Source:     analysis.SourceLinkedin,
		SubjectKey: "slug:grace-hopper",
	}
}

func TestParsePage(t *testing.T) {
	page := parsePage([]byte(profilePage))
	assert.Equal(t, "Grace Hopper - Rear Admiral at US Navy | LinkedIn", page.Title)
	assert.Equal(t, "Invented the compiler. COBOL happened.", page.Description)
	assert.Equal(t, "en_US", page.Locale)
}

func TestSplitTitle(t *testing.T) {
	name, headline := splitTitle("Grace Hopper - Rear Admiral at US Navy | LinkedIn")
	assert.Equal(t, "Grace Hopper", name)
	assert.Equal(t, "Rear Admiral at US Navy", headline)

	name, headline = splitTitle("Grace Hopper | LinkedIn")
	assert.Equal(t, "Grace Hopper", name)
	assert.Empty(t, headline)
}

func TestFetchPageHandler(t *testing.T) {
	h := &fetchPageHandler{pages: &stubPages{body: []byte(profilePage)}}
	hctx := handler.NewContext(linkedinJob(), &analysis.Card{ID: "fetch_page"}, handler.NewArtifacts(), nil)

	result, err := h.Execute(context.Background(), hctx)
	require.NoError(t, err)
	require.Contains(t, result.Artifacts, artifactPage)
	assert.NoError(t, h.Validate(result.Data))
}

func TestFetchPageHandlerLoginWall(t *testing.T) {
	h := &fetchPageHandler{pages: &stubPages{body: []byte(loginWall)}}
	hctx := handler.NewContext(linkedinJob(), &analysis.Card{ID: "fetch_page"}, handler.NewArtifacts(), nil)

	_, err := h.Execute(context.Background(), hctx)
	require.Error(t, err)
	assert.Equal(t, common.KindUpstreamUnavailable, common.KindOf(err))
}

func TestProfileHandler(t *testing.T) {
	fetchH := &fetchPageHandler{pages: &stubPages{body: []byte(profilePage)}}
	arts := handler.NewArtifacts()
	job := linkedinJob()

	fetched, err := fetchH.Execute(context.Background(), handler.NewContext(job, &analysis.Card{ID: "fetch_page"}, arts, nil))
	require.NoError(t, err)
	arts.Publish(fetched.Artifacts)

	h := &profileHandler{}
	result, err := h.Execute(context.Background(), handler.NewContext(job, &analysis.Card{ID: "profile"}, arts, nil))
	require.NoError(t, err)
	assert.Equal(t, "grace-hopper", result.Data["slug"])
	assert.Equal(t, "Grace Hopper", result.Data["name"])
	assert.Equal(t, "Rear Admiral at US Navy", result.Data["headline"])
}

func TestProfileFallbackKeepsSlug(t *testing.T) {
	h := &profileHandler{}
	hctx := handler.NewContext(linkedinJob(), &analysis.Card{ID: "profile"}, handler.NewArtifacts(), nil)

	result := h.Fallback(hctx, common.NewError(common.KindUpstreamUnavailable, "down"))
	require.NotNil(t, result)
	assert.Equal(t, "grace-hopper", result.Data["slug"])
	assert.True(t, result.PreserveEmpty)
}

func TestSummaryFallbackComposesFromPage(t *testing.T) {
	arts := handler.NewArtifacts()
	arts.Publish(map[string]interface{}{
		artifactPage: map[string]interface{}{"title": "Grace Hopper - Rear Admiral at US Navy | LinkedIn"},
	})

	h := &summaryHandler{models: nil}
	hctx := handler.NewContext(linkedinJob(), &analysis.Card{ID: "summary"}, arts, nil)

	result := h.Fallback(hctx, common.NewError(common.KindTimeout, "deadline"))
	require.NotNil(t, result)
	assert.Equal(t, "Grace Hopper works as Rear Admiral at US Navy.", result.Data["summary"])
}

func TestSummaryHandlerUsesRouter(t *testing.T) {
	arts := handler.NewArtifacts()
	arts.Publish(map[string]interface{}{
		artifactPage: map[string]interface{}{"title": "Grace Hopper | LinkedIn"},
	})

	mock := &llm.Mock{Reply: "Grace Hopper pioneered compilers."}
	h := &summaryHandler{models: completerFunc(func(ctx context.Context, cardType string, req *llm.Request) (*llm.Response, error) {
		return mock.Complete(ctx, "test-model", req)
	})}

	result, err := h.Execute(context.Background(), handler.NewContext(linkedinJob(), &analysis.Card{ID: "summary"}, arts, nil))
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper pioneered compilers.", result.Data["summary"])
}

type completerFunc func(ctx context.Context, cardType string, req *llm.Request) (*llm.Response, error)

func (f completerFunc) Complete(ctx context.Context, cardType string, req *llm.Request) (*llm.Response, error) {
	return f(ctx, cardType, req)
}
