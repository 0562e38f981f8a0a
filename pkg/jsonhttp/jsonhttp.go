// Package jsonhttp writes uniform JSON response envelopes. Successes carry
// the payload directly; failures carry a typed {code, message, context}
// object so API clients can branch on the error class without parsing
// messages.
package jsonhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// DefaultContentTypeHeader is the value of the content type header for
// everything this package writes.
const DefaultContentTypeHeader = "application/json; charset=utf-8"

// StatusResponse is the plain message body used when a handler responds with
// only a status.
type StatusResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Context interface{} `json:"context,omitempty"`
}

// Respond writes response as JSON with the given status code. A nil response
// becomes a StatusResponse with the status text; a string or error becomes
// its message form.
func Respond(w http.ResponseWriter, statusCode int, response interface{}) {
	if response == nil {
		response = StatusResponse{
			Message: http.StatusText(statusCode),
			Code:    statusCode,
		}
	} else {
		switch message := response.(type) {
		case string:
			response = StatusResponse{
				Message: message,
				Code:    statusCode,
			}
		case error:
			response = StatusResponse{
				Message: message.Error(),
				Code:    statusCode,
			}
		}
	}
	b, err := json.Marshal(response)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	b = append(b, '\n')

	w.Header().Set("Content-Type", DefaultContentTypeHeader)
	w.WriteHeader(statusCode)
	fmt.Fprint(w, string(b))
}

// Failure writes an ErrorResponse with the given status code.
func Failure(w http.ResponseWriter, statusCode int, code, message string, context interface{}) {
	Respond(w, statusCode, ErrorResponse{
		Code:    code,
		Message: message,
		Context: context,
	})
}

// OK writes response with status code 200.
func OK(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusOK, response)
}

// Created writes response with status code 201.
func Created(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusCreated, response)
}

// Accepted writes response with status code 202.
func Accepted(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusAccepted, response)
}

// BadRequest writes response with status code 400.
func BadRequest(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusBadRequest, response)
}

// Unauthorized writes response with status code 401.
func Unauthorized(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusUnauthorized, response)
}

// NotFound writes response with status code 404.
func NotFound(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusNotFound, response)
}

// Conflict writes response with status code 409.
func Conflict(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusConflict, response)
}

// InternalServerError writes response with status code 500.
func InternalServerError(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusInternalServerError, response)
}

// NotImplemented writes response with status code 501.
func NotImplemented(w http.ResponseWriter, response interface{}) {
	Respond(w, http.StatusNotImplemented, response)
}
