package main

import (
	"github.com/liamcoop/redirects/redirects"
)

// API request and response models

// CreateRuleRequest is the body of POST /api/v1/rules
type CreateRuleRequest = redirects.AddRuleInput

// UpdateRuleRequest is the body of PUT /api/v1/rules/{ruleId}. Omitted
// fields keep their stored value.
type UpdateRuleRequest struct {
	InboundProtocol *string `json:"inboundProtocol,omitempty" example:"http"`
	InboundHost     *string `json:"inboundHost,omitempty" example:"old.example.com"`
	InboundPort     *int    `json:"inboundPort,omitempty" example:"80"`

	OutboundProtocol *string `json:"outboundProtocol,omitempty" example:"https"`
	OutboundHost     *string `json:"outboundHost,omitempty" example:"new.example.com"`
	OutboundPort     *int    `json:"outboundPort,omitempty" example:"443"`
	OutboundPath     *string `json:"outboundPath,omitempty" example:"/landing"`

	KeepPath   *bool `json:"keepPath,omitempty" example:"true"`
	StatusCode *int  `json:"statusCode,omitempty" example:"301"`
}

// apply copies the set fields onto rule
func (u UpdateRuleRequest) apply(rule *redirects.Rule) {
	if u.InboundProtocol != nil {
		rule.InboundProtocol = redirects.Protocol(*u.InboundProtocol)
	}
	if u.InboundHost != nil {
		rule.InboundHost = *u.InboundHost
	}
	if u.InboundPort != nil {
		rule.InboundPort = *u.InboundPort
	}
	if u.OutboundProtocol != nil {
		rule.OutboundProtocol = redirects.Protocol(*u.OutboundProtocol)
	}
	if u.OutboundHost != nil {
		rule.OutboundHost = *u.OutboundHost
	}
	if u.OutboundPort != nil {
		rule.OutboundPort = *u.OutboundPort
	}
	if u.OutboundPath != nil {
		rule.OutboundPath = *u.OutboundPath
	}
	if u.KeepPath != nil {
		rule.KeepPath = *u.KeepPath
	}
	if u.StatusCode != nil {
		rule.StatusCode = *u.StatusCode
	}
}

// RulesListResponse is the response for listing rules
type RulesListResponse struct {
	Rules  []*redirects.Rule `json:"rules"`
	Count  int               `json:"count"`
	Filter string            `json:"filter,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"rule not found"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status      string `json:"status" example:"healthy"`
	Error       string `json:"error,omitempty"`
	CacheLoaded bool   `json:"cacheLoaded"`
	CachedRules int    `json:"cachedRules"`
}
