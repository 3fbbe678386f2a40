// Package defigw and its sub-packages implement a gateway to operate a single Ethereum account on DeFi protocols.
/*
defigw provides you with two microservices:

1) a gateway microservice (package gateway) that implements a RESTful API to query the balances, rates and loan
 orders of Compound, Kyber and Dharma, and to submit the transactions supplying, borrowing, trading or filling loans
 with the managed account.

2) a tracker microservice (package tracker) that follows the transactions submitted by the gateway until they are
 mined and records their final status.

Architecture

Every request submitting transactions runs as one operation. Its transactions take consecutive nonces of the account
(package lib/nonce) and are recorded, in submission order, in a transaction log (package lib/txlog). The ERC20
approvals an operation needs (unlocks) are only submitted when the current allowance is not enough, always before the
transaction using them. When a step fails, the transactions already submitted are replied with the error.

Transaction logs are saved to a database (package lib/store) and an event is sent to the message broker (package
lib/msg) for every transaction submitted and for every transaction the tracker sees mined or reverted. Both layers are
product agnostic and configured via a JSON config file at service startup.

Several gateway instances can operate the same account when they share a redis nonce store and the database.

The microservices can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Gateway

The gateway microservice can be started running cmd/gateway/main.go. Queries are answered from the chain, the Kyber
network proxy and the Bloqboard relayer. Submissions wait for their transactions to be mined unless
needAwaitMining=false is given.

Tracker

The tracker microservice can be started running cmd/tracker/main.go. It polls the receipts of the pending
transactions of its network every average block time.

*/
package defigw
