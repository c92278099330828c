/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package docs registers the OpenAPI document of the local control surface.
// docs 包注册本地控制接口的 OpenAPI 文档。
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {
            "name": "Apache 2.0",
            "url": "http://www.apache.org/licenses/LICENSE-2.0.html"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/dispatcher/run": {
            "get": {
                "produces": ["application/json"],
                "tags": ["dispatcher"],
                "summary": "Launch a workload",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/api.RunResponse"}
                    }
                }
            }
        },
        "/dispatcher/stats/{pid}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["dispatcher"],
                "summary": "Sample a workload",
                "parameters": [
                    {"type": "integer", "description": "workload pid", "name": "pid", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/api.StatsResponse"}
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {"$ref": "#/definitions/api.Response"}
                    },
                    "500": {
                        "description": "Internal Server Error",
                        "schema": {"$ref": "#/definitions/api.Response"}
                    }
                }
            }
        },
        "/dispatcher/kill/{pid}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["dispatcher"],
                "summary": "Kill a workload",
                "parameters": [
                    {"type": "integer", "description": "workload pid", "name": "pid", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/api.Response"}
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {"$ref": "#/definitions/api.Response"}
                    }
                }
            }
        },
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Dispatcher state",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/api.Health"}
                    }
                }
            }
        }
    },
    "definitions": {
        "api.Health": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "mode": {"type": "string"},
                "connection": {"type": "string"},
                "agentId": {"type": "string"},
                "liveWorkloads": {"type": "integer"},
                "configVersion": {"type": "integer"}
            }
        },
        "api.Response": {
            "type": "object",
            "properties": {
                "error_msg": {"type": "string"},
                "data": {}
            }
        },
        "api.RunResponse": {
            "type": "object",
            "properties": {
                "error_msg": {"type": "string"},
                "data": {"$ref": "#/definitions/process.Snapshot"}
            }
        },
        "api.StatsResponse": {
            "type": "object",
            "properties": {
                "error_msg": {"type": "string"},
                "data": {"$ref": "#/definitions/process.Stats"}
            }
        },
        "process.Snapshot": {
            "type": "object",
            "properties": {
                "pid": {"type": "integer"},
                "command": {"type": "string"},
                "args": {"type": "array", "items": {"type": "string"}},
                "state": {"type": "string", "enum": ["running", "exited", "errored"]},
                "exited": {"type": "boolean"},
                "killed": {"type": "boolean"},
                "startedAt": {"type": "string"},
                "endedAt": {"type": "string"},
                "exitCode": {"type": "integer"},
                "stats": {"$ref": "#/definitions/process.Stats"}
            }
        },
        "process.Stats": {
            "type": "object",
            "properties": {
                "cpu": {"type": "number"},
                "memory": {"type": "integer"},
                "ctime": {"type": "integer"},
                "elapsed": {"type": "integer"},
                "timestamp": {"type": "integer"},
                "pid": {"type": "integer"},
                "ppid": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
// SwaggerInfo 保存导出的 Swagger 信息，调用方可以修改
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Batch Dispatcher API",
	Description:      "Local control surface of the batch dispatcher agent",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
