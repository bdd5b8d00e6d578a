/*
Package gateway is the single path to the LLM endpoint.

Every planner, critic, digester, and executor call goes through one shared
Client. A weighted semaphore caps simultaneous in-flight requests, making
the vendor's rate limit the only intentional contention point in the
system. HTTP 429 and transient network failures retry with exponential
backoff (base delay doubling per attempt); anything else fails fast.
Exhausted retries surface as ErrExhausted and bump the llm_failures
counter.
*/
package gateway
