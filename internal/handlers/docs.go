package handlers

import (
	"encoding/json"
	"net/http"
)

type object = map[string]interface{}

func queryParam(name, description string, schema object) object {
	return object{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func jsonResponse(description string, schema object) object {
	return object{
		"description": description,
		"content": object{
			"application/json": object{"schema": schema},
		},
	}
}

func nullableNumber() object {
	return object{"type": "number", "nullable": true}
}

var divisionDaySchema = object{
	"type": "object",
	"properties": object{
		"cduid":      object{"type": "integer", "description": "Census division code"},
		"date":       object{"type": "string", "format": "date"},
		"avg_temp":   nullableNumber(),
		"min_temp":   nullableNumber(),
		"max_temp":   nullableNumber(),
		"avg_precip": nullableNumber(),
		"imputed": object{
			"type":        "array",
			"description": "Metrics filled from the closest divisions",
			"items":       object{"type": "string", "enum": []string{"avg_temp", "min_temp", "max_temp", "avg_precip"}},
		},
	},
}

var runReportSchema = object{
	"type": "object",
	"properties": object{
		"run_id":                 object{"type": "string", "format": "uuid"},
		"started_at":             object{"type": "string", "format": "date-time"},
		"finished_at":            object{"type": "string", "format": "date-time"},
		"range_start":            object{"type": "string", "format": "date-time"},
		"range_end":              object{"type": "string", "format": "date-time"},
		"full_rebuild":           object{"type": "boolean"},
		"subdivision_rows":       object{"type": "integer"},
		"division_rows":          object{"type": "integer"},
		"dataset_rows":           object{"type": "integer"},
		"unmatched_subdivisions": object{"type": "integer"},
		"filled_values":          object{"type": "integer"},
		"shortfalls":             object{"type": "integer"},
		"dropped_dates":          object{"type": "integer"},
		"stationless_divisions":  object{"type": "integer"},
	},
}

var errorSchema = object{
	"type": "object",
	"properties": object{
		"error":   object{"type": "string"},
		"message": object{"type": "string"},
		"code":    object{"type": "integer"},
	},
}

// openAPIDocument describes the climate API in OpenAPI 3.0
func openAPIDocument() object {
	return object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "Census Climate API",
			"description": "Daily population-weighted climate averages for Census divisions",
			"version":     "1.0.0",
		},
		"servers": []object{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": object{
			"/api/climate/divisions": object{
				"get": object{
					"summary":     "Get division climate",
					"description": "Daily climate averages per Census division with filtering and pagination",
					"parameters": []object{
						queryParam("division_id", "Filter by Census division code (CDUID)", object{"type": "integer"}),
						queryParam("start_date", "First date, inclusive (YYYY-MM-DD)", object{"type": "string", "format": "date"}),
						queryParam("end_date", "Last date, inclusive (YYYY-MM-DD)", object{"type": "string", "format": "date"}),
						queryParam("page", "Page number (default: 1)", object{"type": "integer", "default": 1}),
						queryParam("limit", "Records per page (default: 100, max: 1000)", object{"type": "integer", "default": defaultPageLimit, "maximum": maxPageLimit}),
					},
					"responses": object{
						"200": jsonResponse("Successful response", object{
							"type": "object",
							"properties": object{
								"data":        object{"type": "array", "items": divisionDaySchema},
								"total":       object{"type": "integer"},
								"page":        object{"type": "integer"},
								"limit":       object{"type": "integer"},
								"total_pages": object{"type": "integer"},
							},
						}),
						"400": jsonResponse("Invalid filter", errorSchema),
					},
				},
			},
			"/api/climate/runs": object{
				"get": object{
					"summary":     "List pipeline runs",
					"description": "Most recent dataset runs, newest first",
					"parameters": []object{
						queryParam("limit", "Number of runs (default: 20)", object{"type": "integer", "default": defaultRunsLimit}),
					},
					"responses": object{
						"200": jsonResponse("Successful response", object{"type": "array", "items": runReportSchema}),
					},
				},
			},
			"/api/climate/runs/{run_id}": object{
				"get": object{
					"summary": "Get a pipeline run",
					"parameters": []object{
						{"name": "run_id", "in": "path", "required": true, "schema": object{"type": "string", "format": "uuid"}},
					},
					"responses": object{
						"200": jsonResponse("Successful response", runReportSchema),
						"404": jsonResponse("Run not found", errorSchema),
					},
				},
			},
			"/health": object{
				"get": object{
					"summary": "Health check",
					"responses": object{
						"200": jsonResponse("API and database are healthy", object{
							"type":       "object",
							"properties": object{"status": object{"type": "string"}},
						}),
						"503": jsonResponse("Database unreachable", object{"type": "object"}),
					},
				},
			},
			"/metrics": object{
				"get": object{
					"summary": "Prometheus metrics",
					"responses": object{
						"200": object{
							"description": "Prometheus metrics in text format",
							"content":     object{"text/plain": object{"schema": object{"type": "string"}}},
						},
					},
				},
			},
		},
	}
}

// OpenAPISpec serves the OpenAPI document
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openAPIDocument())
}
