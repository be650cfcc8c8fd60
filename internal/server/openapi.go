package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"sync"

	"github.com/danielgtaylor/huma/v2"
)

const bearerScheme = "bearerAuth"

// serveOpenAPI publishes the document at <base>/openapi.json, patched once on
// first request with auth requirements and the routes huma does not own.
func serveOpenAPI(api huma.API, basePath string) http.HandlerFunc {
	var (
		once sync.Once
		doc  []byte
	)
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			describeSecurity(oas, map[string]bool{path.Join(basePath, "health"): true})
			describeErrors(oas)
			describeRawRoutes(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}
}

func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

func describeSecurity(oas *huma.OpenAPI, public map[string]bool) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes[bearerScheme] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
		Description:  "Mint with `fg token`.",
	}
	required := []map[string][]string{{bearerScheme: {}}}
	oas.Security = required
	eachOperation(oas, func(route string, op *huma.Operation) {
		if public[route] {
			op.Security = []map[string][]string{}
			return
		}
		op.Security = required
	})
}

// describeErrors points every declared error status, plus the fallback, at
// the envelope schema.
func describeErrors(oas *huma.OpenAPI) {
	ref := func(desc string) *huma.Response {
		return &huma.Response{
			Description: desc,
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ErrorEnvelope"}},
			},
		}
	}
	if oas.Components.Schemas != nil {
		registry := oas.Components.Schemas
		if registry.Map()["ErrorEnvelope"] == nil {
			registry.Map()["ErrorEnvelope"] = &huma.Schema{
				Type: "object",
				Properties: map[string]*huma.Schema{
					"error": {
						Type: "object",
						Properties: map[string]*huma.Schema{
							"code":    {Type: "string"},
							"message": {Type: "string"},
							"details": {Type: "object"},
						},
						Required: []string{"code", "message"},
					},
				},
			}
		}
	}
	eachOperation(oas, func(_ string, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		for _, status := range op.Errors {
			op.Responses[strconv.Itoa(status)] = ref(http.StatusText(status))
		}
		op.Responses["default"] = ref("Error")
	})
}

// describeRawRoutes documents the chi handlers mounted beside huma: signed
// webhook intake and the notification stream.
func describeRawRoutes(oas *huma.OpenAPI, basePath string) {
	if oas.Paths == nil {
		oas.Paths = map[string]*huma.PathItem{}
	}
	oas.Paths["/hooks/{source}"] = &huma.PathItem{Post: &huma.Operation{
		OperationID: "ingest-webhook",
		Summary:     "Receive a signed delivery",
		Description: "Authenticated by the per-source signature or token header, not a bearer token. Duplicates and unroutable events still answer 202.",
		Tags:        []string{"webhooks"},
		Security:    []map[string][]string{},
		Parameters: []*huma.Param{{
			Name: "source", In: "path", Required: true, Schema: &huma.Schema{Type: "string"},
		}},
		Responses: map[string]*huma.Response{
			"202": {Description: "Outcome: dispatched, duplicate, unroutable or failed"},
			"401": {Description: "Signature or token mismatch"},
			"404": {Description: "Unknown source"},
			"413": {Description: fmt.Sprintf("Body over %d bytes", maxHookBody)},
		},
	}}
	oas.Paths[path.Join(basePath, "events/ws")] = &huma.PathItem{Get: &huma.Operation{
		OperationID: "event-stream",
		Summary:     "Live notifications over WebSocket",
		Description: "Each text frame is one JSON notification. Browsers may pass the token as ?access_token=.",
		Tags:        []string{"events"},
		Responses: map[string]*huma.Response{
			"101": {Description: "Switching protocols"},
		},
	}}
}

func docsPage(basePath string) string {
	return fmt.Sprintf(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>flowgate API</title>
<script src="https://unpkg.com/@stoplight/elements/web-components.min.js"></script>
<link rel="stylesheet" href="https://unpkg.com/@stoplight/elements/styles.min.css">
</head>
<body style="height:100vh">
<elements-api apiDescriptionUrl="%s" router="hash" layout="sidebar"></elements-api>
</body>
</html>`, path.Join("/", basePath, "openapi.json"))
}
