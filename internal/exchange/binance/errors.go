package binance

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"arb-executor/internal/core"
)

const (
	apiCodeTooManyRequests  = -1003
	apiCodeTooManyOrders    = -1015
	apiCodeInvalidSymbol    = -1121
	apiCodeBadPrecision     = -1111
	apiCodeIllegalChars     = -1100
	apiCodeMandatoryParam   = -1102
	apiCodeBadParam         = -1013
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
)

var (
	rejectedRequest = []error{core.ErrOrderRejected, core.ErrInvalidRequest}

	codeKinds = map[int][]error{
		apiCodeTooManyRequests: {core.ErrRateLimited},
		apiCodeTooManyOrders:   {core.ErrRateLimited},
		apiCodeInvalidSymbol:   {core.ErrInvalidSymbol},
		apiCodeBadPrecision:    rejectedRequest,
		apiCodeIllegalChars:    rejectedRequest,
		apiCodeMandatoryParam:  rejectedRequest,
		apiCodeBadParam:        rejectedRequest,
		apiCodeCancelRejected:  {core.ErrOrderNotFound},
		apiCodeOrderNotFound:   {core.ErrOrderNotFound},
	}

	// messageKinds is keyed by the lowercased msg field.
	messageKinds = map[string]error{
		"duplicate order sent.":                                  core.ErrDuplicateOrder,
		"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
		"balance is insufficient.":                               core.ErrInsufficientBalance,
		"unknown order sent.":                                    core.ErrOrderNotFound,
		"order does not exist.":                                  core.ErrOrderNotFound,
		"order was canceled or expired.":                         core.ErrOrderExpired,
		"invalid symbol.":                                        core.ErrInvalidSymbol,
	}
)

// wrapAPIError joins the raw APIError with every core sentinel it maps to
// so callers can use errors.Is for classification and errors.As for codes.
func wrapAPIError(status, code int, msg string) error {
	apiErr := APIError{Status: status, Code: code, Msg: msg}
	kinds := apiErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	return errors.Join(append([]error{apiErr}, kinds...)...)
}

func apiErrorKinds(apiErr APIError) []error {
	var kinds []error
	add := func(errs ...error) {
		for _, err := range errs {
			if !slices.Contains(kinds, err) {
				kinds = append(kinds, err)
			}
		}
	}
	if apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusTeapot {
		add(core.ErrRateLimited)
	}
	add(codeKinds[apiErr.Code]...)

	msg := strings.ToLower(strings.TrimSpace(apiErr.Msg))
	byMessage, known := messageKinds[msg]
	if known {
		add(byMessage)
	} else if apiErr.Code == apiCodeNewOrderRejected {
		add(core.ErrOrderRejected)
	}
	if strings.HasPrefix(msg, "filter failure:") {
		add(rejectedRequest...)
	}
	return kinds
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	return ok && slices.Contains(codes, apiErr.Code)
}
