package spothttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BearBump/SpotWatch/internal/integrations/spotapi"
	"github.com/pkg/errors"
)

// DefaultConfigID — фиксированный параметр config из API фотосервиса.
const DefaultConfigID = 1320

type Client struct {
	baseURL  string
	configID int
	httpc    *http.Client
}

func New(baseURL string, configID int, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://spot.photoprintit.com/spotapi"
	}
	if configID <= 0 {
		configID = DefaultConfigID
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		configID: configID,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type orderInfoResp struct {
	OrderNo          int    `json:"orderNo"`
	SummaryStateCode string `json:"summaryStateCode"`
	SummaryDate      string `json:"summaryDate"`
	SummaryPriceText string `json:"summaryPriceText"`
}

func (c *Client) GetOrderStatus(ctx context.Context, retailerID, orderNumber string) (spotapi.OrderInfo, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return spotapi.OrderInfo{}, errors.Wrap(err, "parse base url")
	}
	u.Path += "/orderInfo/forShop"

	q := u.Query()
	q.Set("config", strconv.Itoa(c.configID))
	q.Set("shop", retailerID)
	q.Set("order", orderNumber)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return spotapi.OrderInfo{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return spotapi.OrderInfo{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return spotapi.OrderInfo{}, fmt.Errorf("spot api http %d", resp.StatusCode)
	}

	var r orderInfoResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return spotapi.OrderInfo{}, errors.Wrap(err, "decode")
	}
	if r.SummaryStateCode == "" {
		return spotapi.OrderInfo{}, fmt.Errorf("spot api: empty summaryStateCode for order %s", orderNumber)
	}

	return spotapi.OrderInfo{
		OrderNumber:    r.OrderNo,
		StatusCode:     r.SummaryStateCode,
		LastUpdateText: r.SummaryDate,
		PriceText:      r.SummaryPriceText,
	}, nil
}
