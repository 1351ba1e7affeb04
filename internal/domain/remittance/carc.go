package remittance

// carcDescriptions holds the claim adjustment reason codes seen most often on
// behavioral health remittances. Unknown codes are reported by code alone.
var carcDescriptions = map[string]string{
	"1":   "deductible amount",
	"2":   "coinsurance amount",
	"3":   "co-payment amount",
	"4":   "procedure code inconsistent with modifier",
	"5":   "procedure code inconsistent with place of service",
	"6":   "procedure inconsistent with patient age",
	"11":  "diagnosis inconsistent with procedure",
	"15":  "authorization number missing or invalid",
	"16":  "claim lacks information needed for adjudication",
	"18":  "exact duplicate claim or service",
	"22":  "may be covered by another payer per coordination of benefits",
	"23":  "impact of prior payer adjudication",
	"26":  "expenses incurred prior to coverage",
	"27":  "expenses incurred after coverage terminated",
	"29":  "time limit for filing has expired",
	"31":  "patient cannot be identified as our insured",
	"32":  "our records indicate the patient is not an eligible dependent",
	"45":  "charge exceeds fee schedule or maximum allowable",
	"50":  "not medically necessary",
	"59":  "processed under multiple or concurrent procedure rules",
	"96":  "non-covered charge",
	"97":  "benefit included in payment for another service",
	"109": "claim not covered by this payer",
	"119": "benefit maximum for this time period has been reached",
	"125": "submission or billing error",
	"151": "payment adjusted because information does not support this many services",
	"167": "diagnosis is not covered",
	"181": "procedure code was invalid on the date of service",
	"197": "precertification or authorization absent",
	"198": "precertification or authorization exceeded",
	"204": "service not covered under the patient's current benefit plan",
	"222": "exceeds contracted maximum number of hours, days or units",
	"242": "services not provided by network providers",
	"253": "sequestration reduction",
	"A1":  "claim or service denied",
	"B7":  "provider not certified for this procedure on this date",
	"N1":  "alert: you may appeal this decision",
}

// plbDescriptions covers provider level adjustment reason codes.
var plbDescriptions = map[string]string{
	"72": "authorized return",
	"90": "early payment allowance",
	"AP": "acceleration of benefits",
	"B2": "rebate",
	"CS": "adjustment",
	"FB": "forwarding balance",
	"IR": "internal revenue service withholding",
	"L6": "interest owed",
	"LE": "levy",
	"WO": "overpayment recovery",
	"WU": "unspecified recovery",
}

// Describe returns the description of a claim adjustment reason code.
func Describe(code string) string {
	return carcDescriptions[code]
}

func describePLB(code string) string {
	return plbDescriptions[code]
}
