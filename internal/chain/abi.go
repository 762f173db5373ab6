package chain

const loanABI = `[
	{"type":"function","name":"getLoanByLSA","stateMutability":"view",
	 "inputs":[{"name":"lsa","type":"address"}],
	 "outputs":[{"name":"","type":"tuple","components":[
		{"name":"borrower","type":"address"},
		{"name":"depositAmount","type":"uint256"},
		{"name":"loanAmount","type":"uint256"},
		{"name":"collateralAmount","type":"uint256"},
		{"name":"estimatedMonthlyPayment","type":"uint256"},
		{"name":"duration","type":"uint256"},
		{"name":"createdAt","type":"uint256"},
		{"name":"insuranceID","type":"uint256"},
		{"name":"lastPaymentTimestamp","type":"uint256"},
		{"name":"status","type":"uint8"}]}]},
	{"type":"function","name":"calculateStrikePrice","stateMutability":"view",
	 "inputs":[{"name":"loanAmount","type":"uint256"},{"name":"deposit","type":"uint256"}],
	 "outputs":[{"name":"strikePrice","type":"uint256"}]}
]`

const priceFeedABI = `[
	{"type":"function","name":"latestAnswer","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"int256"}]}
]`

const autoRepaymentABI = `[
	{"type":"function","name":"executeAutoRepayment","stateMutability":"nonpayable",
	 "inputs":[{"name":"lsa","type":"address"},{"name":"user","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]}
]`
