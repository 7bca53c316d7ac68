package domain

// DefaultCurrencies is the currency directory loaded into a fresh ledger.
func DefaultCurrencies() []Currency {
	return []Currency{
		{Code: "NGN", Name: "Nigerian Naira", Symbol: "₦", IsActive: true},
		{Code: "USD", Name: "US Dollar", Symbol: "$", IsActive: true},
		{Code: "EUR", Name: "Euro", Symbol: "€", IsActive: true},
		{Code: "GBP", Name: "British Pound", Symbol: "£", IsActive: true},
		{Code: "JPY", Name: "Japanese Yen", Symbol: "¥", IsActive: true},
		{Code: "CAD", Name: "Canadian Dollar", Symbol: "C$", IsActive: true},
		{Code: "AUD", Name: "Australian Dollar", Symbol: "A$", IsActive: true},
		{Code: "CHF", Name: "Swiss Franc", Symbol: "CHF", IsActive: true},
		{Code: "CNY", Name: "Chinese Yuan", Symbol: "¥", IsActive: true},
		{Code: "GHS", Name: "Ghanaian Cedi", Symbol: "₵", IsActive: true},
		{Code: "KES", Name: "Kenyan Shilling", Symbol: "KSh", IsActive: true},
		{Code: "ZAR", Name: "South African Rand", Symbol: "R", IsActive: true},
	}
}
