package bitget

// envelope is the outer Bitget response shape. Success is code "00000".
type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type tickerData struct {
	Symbol string `json:"symbol"`
	LastPr string `json:"lastPr"`
}

type accountData struct {
	MarginCoin string `json:"marginCoin"`
	Available  string `json:"available"`
}

type positionData struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	OpenPriceAvg string `json:"openPriceAvg"`
	UnrealizedPL string `json:"unrealizedPL"`
	Leverage     string `json:"leverage"`
}

type orderData struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

type serverTimeData struct {
	ServerTime string `json:"serverTime"`
}
