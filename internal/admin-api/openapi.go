// Copyright 2025 James Ross
package adminapi

const openAPISpec = `openapi: 3.0.3
info:
  title: Dispatch Core Admin API
  description: Secure operational API for inspecting and managing the run dispatch queue
  version: 1.0.0
  contact:
    name: API Support
  license:
    name: MIT

servers:
  - url: http://localhost:8080/api/v1
    description: Local development server
  - url: https://api.example.com/api/v1
    description: Production server

security:
  - bearerAuth: []

tags:
  - name: stats
    description: Job queue statistics
  - name: machines
    description: Machine admission/capacity state
  - name: queues
    description: Queue inspection and remediation
  - name: benchmark
    description: Performance testing

paths:
  /stats:
    get:
      tags:
        - stats
      summary: Get job queue statistics
      description: Returns the current size of each job state (waiting, active, delayed, completed, failed)
      operationId: getStats
      responses:
        '200':
          description: Statistics retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/StatsResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /machines/{machine_id}:
    get:
      tags:
        - machines
      summary: Get a machine's live admission state
      description: Returns the MachineRegistry's current_queue/operational_status for one machine
      operationId: getMachineStats
      parameters:
        - name: machine_id
          in: path
          required: true
          schema:
            type: string
      responses:
        '200':
          description: Machine state retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/MachineStatsResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '404':
          description: Unknown machine
        '429':
          $ref: '#/components/responses/RateLimited'

  /queues/{state}/peek:
    get:
      tags:
        - queues
      summary: Peek at jobs in one state
      description: View jobs without removing them
      operationId: peekQueue
      parameters:
        - name: state
          in: path
          required: true
          description: One of waiting, active, delayed, completed, failed
          schema:
            type: string
        - name: count
          in: query
          description: Number of items to peek (1-100)
          schema:
            type: integer
            minimum: 1
            maximum: 100
            default: 10
      responses:
        '200':
          description: Jobs retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PeekResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'

  /queues/failed/requeue:
    post:
      tags:
        - queues
      summary: Requeue selected failed jobs
      description: Moves the named failed jobs back onto the waiting set
      operationId: requeueFailed
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/RequeueFailedRequest'
      responses:
        '200':
          description: Requeue summary
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/RequeueFailedResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'

  /queues/failed:
    delete:
      tags:
        - queues
      summary: Purge the failed list
      description: Delete all items from the failed list (requires confirmation)
      operationId: purgeFailed
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/PurgeRequest'
      responses:
        '200':
          description: Failed list purged successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PurgeResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /queues/all:
    delete:
      tags:
        - queues
      summary: Purge all queue state
      description: Delete every key in the job queue namespace (requires double confirmation)
      operationId: purgeAll
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/PurgeRequest'
      responses:
        '200':
          description: All queues purged successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PurgeResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /bench:
    post:
      tags:
        - benchmark
      summary: Run a dispatch benchmark
      description: Enqueue synthetic run requests against a deployment and measure throughput/latency
      operationId: runBenchmark
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/BenchRequest'
      responses:
        '200':
          description: Benchmark completed successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/BenchResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

components:
  securitySchemes:
    bearerAuth:
      type: http
      scheme: bearer
      bearerFormat: JWT
      description: JWT token for authentication

  responses:
    BadRequest:
      description: Bad request
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    Unauthorized:
      description: Authentication required
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    RateLimited:
      description: Rate limit exceeded
      headers:
        X-RateLimit-Limit:
          schema:
            type: integer
          description: Rate limit per minute
        X-RateLimit-Remaining:
          schema:
            type: integer
          description: Remaining requests
        X-RateLimit-Reset:
          schema:
            type: integer
          description: Unix timestamp when limit resets
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    InternalError:
      description: Internal server error
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

  schemas:
    ErrorResponse:
      type: object
      required:
        - error
      properties:
        error:
          type: string
          description: Error message
        code:
          type: string
          description: Error code for programmatic handling
        details:
          type: object
          additionalProperties:
            type: string
          description: Additional error details

    StatsResponse:
      type: object
      required:
        - waiting
        - active
        - delayed
        - completed
        - failed
        - timestamp
      properties:
        waiting:
          type: integer
        active:
          type: integer
        delayed:
          type: integer
        completed:
          type: integer
        failed:
          type: integer
        timestamp:
          type: string
          format: date-time

    MachineStatsResponse:
      type: object
      required:
        - id
        - operational_status
        - current_queue
        - capacity
        - timestamp
      properties:
        id:
          type: string
        operational_status:
          type: string
          enum: [idle, busy]
        current_queue:
          type: integer
        capacity:
          type: integer
        timestamp:
          type: string
          format: date-time

    PeekResponse:
      type: object
      required:
        - state
        - items
        - count
        - timestamp
      properties:
        state:
          type: string
        items:
          type: array
          items:
            type: object
          description: QueueJob envelopes
        count:
          type: integer
        timestamp:
          type: string
          format: date-time

    RequeueFailedRequest:
      type: object
      required: [ids]
      properties:
        ids:
          type: array
          items:
            type: string

    RequeueFailedResponse:
      type: object
      required: [requeued, timestamp]
      properties:
        requeued:
          type: integer
        timestamp:
          type: string
          format: date-time

    PurgeRequest:
      type: object
      required:
        - confirmation
        - reason
      properties:
        confirmation:
          type: string
          description: Confirmation phrase (CONFIRM_DELETE for the failed list, CONFIRM_DELETE_ALL for all queues)
        reason:
          type: string
          minLength: 3
          maxLength: 500
          description: Reason for the destructive operation

    PurgeResponse:
      type: object
      required:
        - success
        - message
        - timestamp
      properties:
        success:
          type: boolean
        items_deleted:
          type: integer
          description: Number of items or keys deleted
        message:
          type: string
          description: Result message
        timestamp:
          type: string
          format: date-time

    BenchRequest:
      type: object
      required:
        - count
        - deployment_id
      properties:
        count:
          type: integer
          minimum: 1
          maximum: 10000
          description: Number of synthetic run requests to enqueue
        deployment_id:
          type: string
          description: Deployment to route the synthetic runs through
        rate:
          type: integer
          minimum: 1
          maximum: 1000
          default: 100
          description: Run requests per second enqueue rate
        timeout_seconds:
          type: integer
          minimum: 1
          maximum: 300
          default: 30
          description: Maximum time to wait for completion

    BenchResponse:
      type: object
      required:
        - count
        - duration
        - throughput_jobs_per_sec
        - timestamp
      properties:
        count:
          type: integer
          description: Number of jobs enqueued for the benchmark
        duration:
          type: integer
          format: int64
          description: Total benchmark duration in nanoseconds
        throughput_jobs_per_sec:
          type: number
          format: float
          description: Jobs processed per second
        p50_latency:
          type: integer
          format: int64
          description: 50th percentile latency in nanoseconds
        p95_latency:
          type: integer
          format: int64
          description: 95th percentile latency in nanoseconds
        timestamp:
          type: string
          format: date-time
`
