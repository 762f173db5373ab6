package events

// Event ABIs per schema version. Version 1 is the deployed loan contract whose
// repaid event indexes the amount; version 2 carries it in the data section.
// The lending-pool and auto-repayment events are identical across versions.

const loanCreatedABI = `{"anonymous":false,"name":"Loan__LoanCreated","type":"event","inputs":[
	{"indexed":true,"name":"borrower","type":"address"},
	{"indexed":true,"name":"lsa","type":"address"},
	{"indexed":false,"name":"loanAmount","type":"uint256"},
	{"indexed":false,"name":"collateralAmount","type":"uint256"}]}`

const loanRepaidIndexedABI = `{"anonymous":false,"name":"Loan__LoanRepaid","type":"event","inputs":[
	{"indexed":true,"name":"lsa","type":"address"},
	{"indexed":true,"name":"amountRepaid","type":"uint256"}]}`

const loanRepaidDataABI = `{"anonymous":false,"name":"Loan__LoanRepaid","type":"event","inputs":[
	{"indexed":true,"name":"lsa","type":"address"},
	{"indexed":false,"name":"amountRepaid","type":"uint256"}]}`

const loanClosedABI = `{"anonymous":false,"name":"Loan__ClosedLoan","type":"event","inputs":[
	{"indexed":true,"name":"lsa","type":"address"}]}`

const microLiquidationABI = `{"anonymous":false,"name":"MicroLiquidationCall","type":"event","inputs":[
	{"indexed":true,"name":"collateral","type":"address"},
	{"indexed":true,"name":"principal","type":"address"},
	{"indexed":true,"name":"user","type":"address"},
	{"indexed":false,"name":"debtToCover","type":"uint256"},
	{"indexed":false,"name":"liquidatedCollateralAmount","type":"uint256"},
	{"indexed":false,"name":"liquidator","type":"address"},
	{"indexed":false,"name":"receiveAToken","type":"bool"}]}`

const liquidationABI = `{"anonymous":false,"name":"LiquidationCall","type":"event","inputs":[
	{"indexed":true,"name":"collateralAsset","type":"address"},
	{"indexed":true,"name":"debtAsset","type":"address"},
	{"indexed":true,"name":"user","type":"address"},
	{"indexed":false,"name":"debtToCover","type":"uint256"},
	{"indexed":false,"name":"liquidatedCollateralAmount","type":"uint256"},
	{"indexed":false,"name":"liquidator","type":"address"},
	{"indexed":false,"name":"receiveAToken","type":"bool"}]}`

const autoRepaymentCreatedABI = `{"anonymous":false,"name":"AutoRepayment__RepaymentCreated","type":"event","inputs":[
	{"indexed":true,"name":"lsa","type":"address"},
	{"indexed":true,"name":"user","type":"address"}]}`

const autoRepaymentCancelledABI = `{"anonymous":false,"name":"AutoRepayment__RepaymentCancelled","type":"event","inputs":[
	{"indexed":true,"name":"lsa","type":"address"},
	{"indexed":true,"name":"user","type":"address"}]}`

// fields names the ABI inputs that map onto the canonical Event.
// An empty name means the variant does not carry the field.
type fields struct {
	lsa        string
	account    string
	amount     string
	collateral string
	liquidator string
}

type variant struct {
	kind   Kind
	abi    string
	fields fields
}

var (
	createdV1   = variant{KindLoanCreated, loanCreatedABI, fields{lsa: "lsa", account: "borrower", amount: "loanAmount", collateral: "collateralAmount"}}
	repaidV1    = variant{KindLoanRepaid, loanRepaidIndexedABI, fields{lsa: "lsa", amount: "amountRepaid"}}
	repaidV2    = variant{KindLoanRepaid, loanRepaidDataABI, fields{lsa: "lsa", amount: "amountRepaid"}}
	closedV1    = variant{KindLoanClosed, loanClosedABI, fields{lsa: "lsa"}}
	microLiqV1  = variant{KindMicroLiquidation, microLiquidationABI, fields{lsa: "user", amount: "debtToCover", collateral: "liquidatedCollateralAmount", liquidator: "liquidator"}}
	liqV1       = variant{KindLiquidation, liquidationABI, fields{lsa: "user", amount: "debtToCover", collateral: "liquidatedCollateralAmount", liquidator: "liquidator"}}
	arCreatedV1 = variant{KindAutoRepaymentCreated, autoRepaymentCreatedABI, fields{lsa: "lsa", account: "user"}}
	arCancelV1  = variant{KindAutoRepaymentCancelled, autoRepaymentCancelledABI, fields{lsa: "lsa", account: "user"}}
)

var schemas = map[int][]variant{
	1: {createdV1, repaidV1, closedV1, microLiqV1, liqV1, arCreatedV1, arCancelV1},
	2: {createdV1, repaidV2, closedV1, microLiqV1, liqV1, arCreatedV1, arCancelV1},
}
