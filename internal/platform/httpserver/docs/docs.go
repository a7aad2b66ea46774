// Package docs registers the swagger document served at /swagger/doc.json.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/v1/appointments": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Request an appointment booking",
                "responses": {
                    "202": {"description": "Accepted"},
                    "400": {"description": "Bad Request"},
                    "409": {"description": "Conflict"}
                }
            }
        },
        "/v1/appointments/{appointment_id}": {
            "get": {
                "produces": ["application/json"],
                "summary": "Get an appointment and its booking progress",
                "parameters": [
                    {"type": "string", "name": "appointment_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found"}
                }
            }
        },
        "/v1/appointments/{appointment_id}/cancel": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Cancel an appointment",
                "parameters": [
                    {"type": "string", "name": "appointment_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found"},
                    "409": {"description": "Conflict"}
                }
            }
        },
        "/v1/payments/{appointment_id}": {
            "get": {
                "produces": ["application/json"],
                "summary": "Get the payment recorded for an appointment",
                "parameters": [
                    {"type": "string", "name": "appointment_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found"}
                }
            }
        }
    }
}`

var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "SmartHealth Booking API",
	Description:      "Outbox-backed appointment booking and payment endpoints.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
