package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/aristath/marketsync/internal/clients/tushare"
	"github.com/aristath/marketsync/internal/domain"
)

// Classify wraps err with domain.ErrTransient or domain.ErrPermanent.
// Errors that already carry a taxonomy class are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrPermanent) ||
		errors.Is(err, domain.ErrThrottled) || errors.Is(err, domain.ErrStorage) {
		return err
	}

	var apiErr *tushare.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsQuotaExceeded() || apiErr.IsServerSide() {
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrPermanent, err)
	}

	var httpErr *tushare.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.IsRetryable() {
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrPermanent, err)
	}

	var netErr net.Error
	var syntaxErr *json.SyntaxError
	if errors.As(err, &netErr) || errors.As(err, &syntaxErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}

	return fmt.Errorf("%w: %w", domain.ErrPermanent, err)
}
